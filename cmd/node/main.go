package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/optionvault/params"
	"github.com/uhyunpark/optionvault/pkg/api"
	"github.com/uhyunpark/optionvault/pkg/engine/account"
	"github.com/uhyunpark/optionvault/pkg/engine/liquidation"
	"github.com/uhyunpark/optionvault/pkg/engine/oracle"
	"github.com/uhyunpark/optionvault/pkg/engine/registry"
	"github.com/uhyunpark/optionvault/pkg/engine/settlement"
	"github.com/uhyunpark/optionvault/pkg/engine/token"
	"github.com/uhyunpark/optionvault/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Node.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.Node.LogFile)
	} else {
		logger, err = util.NewLogger()
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	// ---- Persistence ----
	accountStore, err := account.NewStore(filepath.Join(cfg.Node.DBPath, "accounts"))
	if err != nil {
		sugar.Fatalw("account_store_open_failed", "err", err)
	}
	defer accountStore.Close()

	oracleStore, err := oracle.NewStore(filepath.Join(cfg.Node.DBPath, "oracle"))
	if err != nil {
		sugar.Fatalw("oracle_store_open_failed", "err", err)
	}
	defer oracleStore.Close()

	// ---- Engine ----
	reg := registry.New(sugar)
	seedRegistry(reg, sugar)

	orc := oracle.New(cfg.Oracle, util.RealClock{}, oracleStore, sugar)
	tokens := token.NewLedger()

	accounts := account.NewManager(accountStore, tokens, reg, util.RealClock{}, sugar)
	settler := settlement.New(reg, orc, tokens, util.RealClock{}, sugar)
	accounts.SetSettler(settler)
	liquidator := liquidation.New(accounts, reg, sugar)

	sugar.Infow("engine_initialized",
		"db_path", cfg.Node.DBPath,
		"oracle_reporter", cfg.Oracle.Reporter.Hex(),
		"dispute_period", cfg.Oracle.DefaultDisputePeriod,
	)

	// ---- API Server ----
	apiServer := api.NewServer(accounts, orc, reg, liquidator, sugar)
	go func() {
		if err := apiServer.Start(cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	sugar.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
}

// seedRegistry registers assets from SEED_ASSETS ("0xaddr:decimals,..."),
// plus the engine and oracle handles every product id refers to
func seedRegistry(reg *registry.Registry, sugar *zap.SugaredLogger) {
	if v := os.Getenv("ORACLE_ADDR"); common.IsHexAddress(v) {
		if _, err := reg.RegisterOracle(common.HexToAddress(v)); err != nil {
			sugar.Warnw("oracle_seed_failed", "addr", v, "err", err)
		}
	}
	if v := os.Getenv("ENGINE_ADDR"); common.IsHexAddress(v) {
		if _, err := reg.RegisterEngine(common.HexToAddress(v)); err != nil {
			sugar.Warnw("engine_seed_failed", "addr", v, "err", err)
		}
	}

	seed := os.Getenv("SEED_ASSETS")
	if seed == "" {
		return
	}
	for _, entry := range strings.Split(seed, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
		if len(parts) != 2 || !common.IsHexAddress(parts[0]) {
			sugar.Warnw("asset_seed_skipped", "entry", entry)
			continue
		}
		decimals, err := strconv.ParseUint(parts[1], 10, 8)
		if err != nil {
			sugar.Warnw("asset_seed_skipped", "entry", entry, "err", err)
			continue
		}
		id, err := reg.RegisterAsset(common.HexToAddress(parts[0]), uint8(decimals))
		if err != nil {
			sugar.Warnw("asset_seed_failed", "entry", entry, "err", err)
			continue
		}
		sugar.Infow("asset_seeded", "id", id, "addr", parts[0], "decimals", decimals)
	}
}
