// Command adbctl runs a supervised ADB client connection and exposes its
// key export and metrics operations from the command line.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"net/http/pprof"

	"github.com/VictoriaMetrics/metrics"
	"github.com/hashicorp/go-envparse"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"

	"github.com/nativeadb/adb/pkg/adb"
	"github.com/nativeadb/adb/pkg/auditdb"
	"github.com/nativeadb/adb/pkg/devicestore"
	"github.com/nativeadb/adb/pkg/keystore"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if opt.Help {
		usage()
		os.Exit(2)
	}

	if pflag.Arg(0) == "keys" {
		if pflag.NArg() != 2 || pflag.Arg(1) != "export" {
			fmt.Fprintf(os.Stderr, "error: usage: %s keys export\n", os.Args[0])
			os.Exit(2)
		}
		runKeys()
		return
	}

	if pflag.NArg() > 1 {
		usage()
		os.Exit(2)
	}
	runClient(pflag.Arg(0))
}

func usage() {
	fmt.Printf("usage: %s [options] [env_file]\n       %s [options] keys export\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored\n", os.Args[0], os.Args[0], pflag.CommandLine.FlagUsages())
}

func loadConfig(envFileArg string) (*adb.Config, error) {
	var e []string
	if envFileArg == "" {
		e = os.Environ()
	} else {
		x, err := readEnv(envFileArg)
		if err != nil {
			return nil, fmt.Errorf("read env file: %w", err)
		}
		e = x
	}

	var c adb.Config
	if err := c.UnmarshalEnv(e, false); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &c, nil
}

func runKeys() {
	cfg, err := loadConfig("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	store := keystore.New(cfg.DataDir + "/adb_keys")
	if err := store.EnsureKeys(); err != nil {
		fmt.Fprintf(os.Stderr, "error: prepare key material: %v\n", err)
		os.Exit(1)
	}
	if err := store.Export(os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: export keys: %v\n", err)
		os.Exit(1)
	}
}

func runClient(envFileArg string) {
	cfg, err := loadConfig(envFileArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	log, reopen, err := adb.ConfigureLogging(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: configure logging: %v\n", err)
		os.Exit(1)
	}

	var audit *auditdb.DB
	if cfg.AuditDBPath != "" {
		audit, err = auditdb.Open(cfg.AuditDBPath)
		if err != nil {
			log.Error().Err(err).Msg("failed to open audit database")
			os.Exit(1)
		}
		defer audit.Close()
		if err := audit.EnsureLatest(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to migrate audit database")
			os.Exit(1)
		}
	}

	devices := devicestore.New()

	dbg := http.NewServeMux()
	if dbgAddr, ok := os.LookupEnv("ADB_INSECURE_DEBUG_SERVER_ADDR"); ok && dbgAddr != "" {
		dbg.HandleFunc("/debug/pprof/", pprof.Index)
		dbg.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		dbg.HandleFunc("/debug/pprof/profile", pprof.Profile)
		dbg.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		dbg.HandleFunc("/debug/pprof/trace", pprof.Trace)
		go func() {
			log.Warn().Str("addr", dbgAddr).Msg("running insecure debug server")
			if err := http.ListenAndServe(dbgAddr, dbg); err != nil {
				log.Warn().Err(err).Msg("debug server exited")
			}
		}()
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.WritePrometheus(w, true)
		})
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Warn().Err(err).Msg("metrics server exited")
			}
		}()
	}

	sv := adb.NewSupervisor(cfg, log, devices, audit, func() adb.Conn {
		return adb.NewConnection(cfg, log, devices, audit)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hch := make(chan os.Signal, 1)
	signal.Notify(hch, syscall.SIGHUP)
	go func() {
		for range hch {
			log.Info().Msg("received SIGHUP, reopening log file")
			if reopen != nil {
				reopen()
			}
		}
	}()

	if err := sv.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("supervisor exited")
		sv.Stop()
		os.Exit(1)
	}
	sv.Stop()
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
