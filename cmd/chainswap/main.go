package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/wnt/chainswap/internal/chain"
	"github.com/wnt/chainswap/internal/config"
	"github.com/wnt/chainswap/internal/database"
	"github.com/wnt/chainswap/internal/engine"
	"github.com/wnt/chainswap/internal/funding"
	"github.com/wnt/chainswap/internal/keyvault"
	"github.com/wnt/chainswap/internal/ledger"
	"github.com/wnt/chainswap/internal/logger"
	"github.com/wnt/chainswap/internal/quote"
	"github.com/wnt/chainswap/internal/wallets"
)

func main() {
	// Parse command-line arguments
	envFile := flag.String("envFile", ".env", "Path to .env file")
	action := flag.String("action", "serve", "Action: serve, wallet, balance, swap, withdraw, history, master")
	userID := flag.String("user", "", "User id for wallet-scoped actions")
	sellToken := flag.String("sell", "", "Token to sell (native symbol or contract address)")
	buyToken := flag.String("buy", "", "Token to buy (native symbol or contract address)")
	amount := flag.String("amount", "", "Decimal amount for swap or withdraw")
	slippage := flag.Float64("slippage", 0, "Slippage tolerance in percent")
	tokenAddr := flag.String("token", "", "Token contract address for balance lookup")
	flag.Parse()

	// Load environment variables from the specified file
	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("No .env file found at %s, using environment variables", *envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zlog := logger.New(cfg.LogLevel)

	db, err := database.Connect(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to connect to database")
	}

	gateway, err := chain.NewGateway(chain.Config{
		ChainID:       cfg.ChainID,
		Endpoints:     cfg.RPCEndpoints,
		Retries:       cfg.RPCRetries,
		ReadTimeout:   cfg.RPCTimeout,
		SubmitTimeout: cfg.SubmitTimeout,
	}, zlog)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize RPC gateway")
	}

	probeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	alive := gateway.Probe(probeCtx)
	cancel()
	zlog.Info().Int("alive", alive).Int("configured", len(cfg.RPCEndpoints)).Msg("RPC endpoints probed")

	broker, err := quote.NewBroker(quote.Config{
		BaseURLs:     cfg.QuoteBaseURLs,
		APIKey:       cfg.QuoteAPIKey,
		ChainID:      cfg.ChainID,
		NativeSymbol: cfg.NativeSymbol,
	}, zlog)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize quote broker")
	}

	vault, err := keyvault.New(cfg.WalletEncryptionKey)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize key vault")
	}

	var master funding.Master
	if cfg.MasterPrivateKey != "" {
		master, err = funding.NewSigningMaster(cfg.MasterPrivateKey)
	} else {
		master, err = funding.NewReadOnlyMaster(cfg.MasterAddress)
	}
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize master wallet")
	}
	funder := funding.NewFunder(gateway, master, zlog)

	gasReserve, err := chain.ParseUnits(cfg.GasReserve, 18)
	if err != nil {
		zlog.Fatal().Err(err).Str("value", cfg.GasReserve).Msg("Invalid gas reserve")
	}
	fundingMin, err := chain.ParseUnits(cfg.FundingMin, 18)
	if err != nil {
		zlog.Fatal().Err(err).Str("value", cfg.FundingMin).Msg("Invalid funding minimum")
	}

	eng, err := engine.New(gateway, broker, funder, vault,
		ledger.NewGormStore(db), wallets.NewGormStore(db),
		engine.Config{
			GasReserve:    gasReserve,
			FundingMin:    fundingMin,
			NativeSymbol:  cfg.NativeSymbol,
			SubmitTimeout: cfg.SubmitTimeout,
		}, zlog)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize swap engine")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *action {
	case "serve":
		serveMetrics(ctx, cfg.MetricsPort, zlog)
	case "wallet":
		w, err := eng.CreateOrConnectWallet(ctx, requireUser(*userID))
		exitOn(err)
		printJSON(w)
	case "balance":
		user := requireUser(*userID)
		w, err := eng.GetConnectedWallet(ctx, user)
		exitOn(err)
		if *tokenAddr != "" {
			bal, err := eng.GetTokenBalance(ctx, w.Address, *tokenAddr)
			exitOn(err)
			printJSON(bal)
		} else {
			bal, err := eng.GetNativeBalance(ctx, w.Address)
			exitOn(err)
			printJSON(bal)
		}
	case "swap":
		res, err := eng.Swap(ctx, requireUser(*userID), *sellToken, *buyToken, *amount, *slippage)
		exitOn(err)
		printJSON(res)
	case "withdraw":
		res, err := eng.WithdrawToFiat(ctx, requireUser(*userID), *amount)
		exitOn(err)
		printJSON(res)
	case "history":
		entries, err := eng.ListHistory(ctx, requireUser(*userID), 20)
		exitOn(err)
		printJSON(entries)
	case "master":
		st, err := eng.Master(ctx)
		exitOn(err)
		printJSON(st)
	default:
		log.Fatalf("Unknown action: %s", *action)
	}
}

// serveMetrics exposes Prometheus metrics until the process is signaled.
func serveMetrics(ctx context.Context, port string, zlog zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		zlog.Info().Str("addr", srv.Addr).Msg("Metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("Metrics server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	zlog.Info().Msg("Shut down")
}

func requireUser(userID string) string {
	if userID == "" {
		log.Fatal("-user is required for this action")
	}
	return userID
}

func exitOn(err error) {
	if err != nil {
		log.Fatalf("Action failed: %v", err)
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("Failed to render output: %v", err)
	}
	fmt.Println(string(out))
}
