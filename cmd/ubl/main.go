// Command ubl is the kernel binary: it wires C1-C14 together behind an
// HTTP submission surface, grounded on teacher cmd/helm/main.go's
// subcommand dispatch (server as default, doctor/health/verify as
// auxiliary commands) and DATABASE_URL-driven lite-mode fallback between
// Postgres and SQLite.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/sovereign-ubl/ubl/pkg/constitution"
	"github.com/sovereign-ubl/ubl/pkg/cryptoutil"
	"github.com/sovereign-ubl/ubl/pkg/ledgerstore"
	"github.com/sovereign-ubl/ubl/pkg/pact"
	"github.com/sovereign-ubl/ubl/pkg/permit"
	"github.com/sovereign-ubl/ubl/pkg/policyvm"
	"github.com/sovereign-ubl/ubl/pkg/projection"
	"github.com/sovereign-ubl/ubl/pkg/runner"
	"github.com/sovereign-ubl/ubl/pkg/sandbox"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		serve(stdout)
		return 0
	}

	switch args[1] {
	case "server", "serve":
		serve(stdout)
		return 0
	case "health":
		return healthCmd(stdout, stderr)
	case "doctor":
		return doctorCmd(stdout, stderr)
	case "verify":
		return verifyCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "UBL Kernel")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  ubl <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server    Run the kernel HTTP surface (default)")
	fmt.Fprintln(w, "  doctor    Check configuration and dependency health")
	fmt.Fprintln(w, "  health    Check a running server's health endpoint")
	fmt.Fprintln(w, "  verify    Verify a container's ledger chain (--container, --db)")
	fmt.Fprintln(w, "  help      Show this help")
}

// openStore opens the ledger store named by DATABASE_URL, falling back to
// an on-disk SQLite file the way teacher's runServer falls back to Lite
// Mode when no Postgres DSN is configured.
func openStore(ctx context.Context, registry ledgerstore.PactLookup) (*sql.DB, ledgerstore.Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	driver := "postgres"
	if dsn == "" {
		dsn = os.Getenv("UBL_SQLITE_PATH")
		if dsn == "" {
			dsn = "ubl.db"
		}
		driver = "sqlite"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	store := ledgerstore.NewSQLStore(db, registry)
	if err := store.Init(ctx); err != nil {
		return nil, nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return db, store, nil
}

// loadOrGenerateSigner returns the kernel's own Ed25519 identity, used to
// sign receipt links the runner commits on the ledger's behalf. Production
// deployments set UBL_KERNEL_SEED_HEX to a persisted 32-byte hex seed;
// without it a fresh identity is minted every start (fine for doctor/dev,
// unsafe for a server whose permits must stay verifiable across restarts).
func loadOrGenerateSigner() (*cryptoutil.KeyPair, error) {
	if seedHex := os.Getenv("UBL_KERNEL_SEED_HEX"); seedHex != "" {
		return cryptoutil.KeyPairFromSeedHex(seedHex)
	}
	return cryptoutil.GenerateKeyPair()
}

// fileWasmLoader loads job-type WASM modules from a directory, named
// "<job_type>.wasm".
type fileWasmLoader struct{ dir string }

func (f fileWasmLoader) Load(ctx context.Context, jobType string) ([]byte, error) {
	return os.ReadFile(f.dir + "/" + jobType + ".wasm")
}

func serve(stdout io.Writer) {
	logger := slog.Default()
	ctx := context.Background()

	registry := pact.NewRegistry()

	db, store, err := openStore(ctx, registry)
	if err != nil {
		logger.Error("open ledger store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	vm, err := policyvm.NewPolicyVM()
	if err != nil {
		logger.Error("new policy vm", "error", err)
		os.Exit(1)
	}
	if err := vm.Register(policyvm.CreateDefaultPolicy()); err != nil {
		logger.Error("register default policy", "error", err)
		os.Exit(1)
	}

	signer, err := loadOrGenerateSigner()
	if err != nil {
		logger.Error("load kernel signer", "error", err)
		os.Exit(1)
	}
	logger.Info("kernel identity", "public_key", signer.PublicKeyHex())

	issuer := permit.NewIssuer(signer.Private, signer.Public)
	dispatcher := projection.NewDispatcher()

	var executor *runner.Executor
	if dir := os.Getenv("UBL_WASM_MODULE_DIR"); dir != "" {
		sb, err := sandbox.New(ctx, sandbox.DefaultConfig())
		if err != nil {
			logger.Error("init sandbox", "error", err)
			os.Exit(1)
		}
		executor = runner.NewExecutor(sb, fileWasmLoader{dir: dir})
	} else {
		logger.Warn("UBL_WASM_MODULE_DIR not set, running with no effect executor (observation-only)")
	}

	k := newKernel(constitution.NewEnforcer(constitution.NewDocument()), vm, store, dispatcher, issuer, signer, executor)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := k.CheckHealth(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/intents", func(w http.ResponseWriter, r *http.Request) {
		handleSubmitIntent(k, w, r)
	})

	addr := os.Getenv("UBL_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	go func() {
		logger.Info("ready", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("http server stopped", "error", err)
		}
	}()

	fmt.Fprintf(stdout, "ubl kernel listening on %s\n", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
}

func healthCmd(out, errOut io.Writer) int {
	addr := os.Getenv("UBL_LISTEN_ADDR")
	if addr == "" {
		addr = "localhost:8080"
	}
	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		fmt.Fprintf(errOut, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}

func doctorCmd(out, errOut io.Writer) int {
	ok := true
	check := func(name string, cond bool, hint string) {
		status := "ok"
		if !cond {
			status = "missing"
			ok = false
		}
		fmt.Fprintf(out, "  %-28s %s", name, status)
		if !cond && hint != "" {
			fmt.Fprintf(out, "  (%s)", hint)
		}
		fmt.Fprintln(out)
	}

	check("DATABASE_URL or sqlite fallback", true, "")
	check("UBL_KERNEL_SEED_HEX", os.Getenv("UBL_KERNEL_SEED_HEX") != "", "a fresh identity will be minted this run")
	check("UBL_WASM_MODULE_DIR", os.Getenv("UBL_WASM_MODULE_DIR") != "", "server will run observation-only, no effect executor")

	if !ok {
		return 1
	}
	return 0
}

func verifyCmd(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(errOut)
	containerID := fs.String("container", "", "container id to verify (REQUIRED)")
	dbPath := fs.String("db", "ubl.db", "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *containerID == "" {
		fmt.Fprintln(errOut, "error: --container is required")
		return 2
	}

	ctx := context.Background()
	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		fmt.Fprintf(errOut, "open db: %v\n", err)
		return 1
	}
	defer db.Close()

	store := ledgerstore.NewSQLStore(db, pact.NewRegistry())
	if err := store.Verify(ctx, *containerID); err != nil {
		fmt.Fprintf(errOut, "chain verification failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "container %s: chain verified\n", *containerID)
	return 0
}

func handleSubmitIntent(k *boundKernel, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req submitIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	outcome, err := k.submit(r.Context(), &req)
	if err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(outcome)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
