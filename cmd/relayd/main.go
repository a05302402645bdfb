// Command relayd runs the cold-wallet bridge relay: it tails the
// settlement chain for lock and policy events, mints and syncs on the
// sidechain, and serves the operator surface (status, redrive, spend).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/coldwallet-labs/bridgerelay/pkg/addrmap"
	"github.com/coldwallet-labs/bridgerelay/pkg/authz"
	"github.com/coldwallet-labs/bridgerelay/pkg/broadcast"
	"github.com/coldwallet-labs/bridgerelay/pkg/config"
	"github.com/coldwallet-labs/bridgerelay/pkg/contracts"
	"github.com/coldwallet-labs/bridgerelay/pkg/ledger"
	"github.com/coldwallet-labs/bridgerelay/pkg/observability"
	"github.com/coldwallet-labs/bridgerelay/pkg/relay"
	"github.com/coldwallet-labs/bridgerelay/pkg/sidechain"
	"github.com/coldwallet-labs/bridgerelay/pkg/txbuilder"
	"github.com/coldwallet-labs/bridgerelay/pkg/watcher"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stdout, stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(stdout, stderr)
	case "status":
		return runStatus(stdout, stderr)
	case "redrive":
		return runRedrive(args[2:], stdout, stderr)
	case "health":
		return runHealth(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: relayd <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server    Run the bridge relay (default)")
	fmt.Fprintln(w, "  status    Print ledger counts and last processed block")
	fmt.Fprintln(w, "  redrive   Re-drive a failed operation: relayd redrive <operation-id>")
	fmt.Fprintln(w, "  health    Check a running relay over HTTP")
	fmt.Fprintln(w, "  help      Show this help")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// openLedger selects the ledger backend from config. The returned close
// func releases the backend's resources.
func openLedger(ctx context.Context, cfg *config.Config) (ledger.Store, ledger.CheckpointStore, func(), error) {
	switch cfg.LedgerBackend {
	case "memory":
		m := ledger.NewMemoryStore()
		return m, m, func() {}, nil
	case "sqlite":
		s, err := ledger.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		return s, s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := ledger.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		return s, s, func() { _ = s.Close() }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		s := ledger.NewRedisStore(client, cfg.RedisPrefix)
		return s, s, func() { _ = client.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}

func runServer(stdout, stderr io.Writer) int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "relayd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "bridge-relay",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		fmt.Fprintf(stderr, "observability init failed: %v\n", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	store, ckpt, closeStore, err := openLedger(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "ledger init failed: %v\n", err)
		return 1
	}
	defer closeStore()

	eth, err := ethclient.DialContext(ctx, cfg.SettlementRPCURL)
	if err != nil {
		fmt.Fprintf(stderr, "settlement chain dial failed: %v\n", err)
		return 1
	}
	defer eth.Close()

	translator, err := addrmap.New(cfg.SidechainPrefix)
	if err != nil {
		fmt.Fprintf(stderr, "address translator init failed: %v\n", err)
		return 1
	}

	policyContract := common.HexToAddress(cfg.PolicyContract)
	reader, err := watcher.NewContractPolicyReader(eth, policyContract, translator)
	if err != nil {
		fmt.Fprintf(stderr, "policy reader init failed: %v\n", err)
		return 1
	}

	w, err := watcher.New(watcher.Config{
		BridgeContract: common.HexToAddress(cfg.BridgeContract),
		PolicyContract: policyContract,
		StartBlock:     cfg.StartBlock,
		ReplayWindow:   cfg.ReplayWindow,
		PollInterval:   cfg.PollInterval,
	}, eth, reader, ckpt)
	if err != nil {
		fmt.Fprintf(stderr, "watcher init failed: %v\n", err)
		return 1
	}

	side := sidechain.New(cfg.SidechainRPCURL)
	retry := broadcast.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.MaxBroadcastAttempts
	exec := broadcast.NewExecutor(side, store, retry).WithObservability(obs)

	auth, err := authz.New()
	if err != nil {
		fmt.Fprintf(stderr, "authorizer init failed: %v\n", err)
		return 1
	}

	builder := txbuilder.New(txbuilder.FixedFeePolicy{
		Denom:  cfg.FeeDenom,
		Amount: cfg.FeeAmount,
		Gas:    cfg.FeeGas,
	})

	r := relay.New(relay.Config{
		SignerAddress:      cfg.SignerAddress,
		MaxRedriveAttempts: cfg.MaxRedriveAttempts,
		SpendRate:          rate.Limit(cfg.SpendRatePerSecond),
		SpendBurst:         cfg.SpendBurst,
	}, w, store, ckpt, builder, auth, exec, side, translator).WithObservability(obs)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           operatorMux(r),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("operator endpoint listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("operator endpoint failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("relay starting",
		"ledger_backend", cfg.LedgerBackend,
		"settlement_rpc", cfg.SettlementRPCURL,
		"sidechain_rpc", cfg.SidechainRPCURL,
		"signer", cfg.SignerAddress,
	)
	if err := r.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "relay stopped: %v\n", err)
		return 1
	}
	logger.Info("relay shut down")
	return 0
}

// operatorMux serves the relay's operational surface: liveness, status,
// and the spend entry point.
func operatorMux(r *relay.Relay) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		report, err := r.Status(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})
	mux.HandleFunc("/spend", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var spend contracts.SpendRequest
		if err := json.NewDecoder(req.Body).Decode(&spend); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, err := r.SubmitSpend(req.Context(), &spend)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	})
	return mux
}

func runStatus(stdout, stderr io.Writer) int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, ckpt, closeStore, err := openLedger(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "ledger open failed: %v\n", err)
		return 1
	}
	defer closeStore()

	counts, err := store.StatusCounts(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "status counts failed: %v\n", err)
		return 1
	}
	height, err := ckpt.GetCheckpoint(ctx, "settlement")
	if err != nil && !errors.Is(err, contracts.ErrNotFound) {
		fmt.Fprintf(stderr, "checkpoint read failed: %v\n", err)
		return 1
	}

	report := relay.StatusReport{Counts: counts, LastBlock: height}
	data, _ := json.MarshalIndent(report, "", "  ")
	fmt.Fprintln(stdout, string(data))
	return 0
}

func runRedrive(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: relayd redrive <operation-id>")
		return 2
	}
	operationID := args[0]

	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, _, closeStore, err := openLedger(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "ledger open failed: %v\n", err)
		return 1
	}
	defer closeStore()

	if err := store.Redrive(ctx, operationID, cfg.MaxRedriveAttempts); err != nil {
		fmt.Fprintf(stderr, "redrive %s refused: %v\n", operationID, err)
		return 1
	}
	fmt.Fprintf(stdout, "operation %s redriven to pending\n", operationID)
	return 0
}

func runHealth(stdout, stderr io.Writer) int {
	cfg := config.Load()
	resp, err := http.Get("http://localhost:" + cfg.Port + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}
