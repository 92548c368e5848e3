/*
Marid - composable mail transfer and authentication engine.
Copyright © 2021-2024 The Marid Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// marid is the mail transfer and authentication engine daemon. It loads the
// configuration, wires the delivery pipeline (authentication checks, DKIM
// signing, local storage, remote delivery with MTA-STS/DANE) around the
// persistent queue and runs until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marid-mta/marid/framework/dns"
	"github.com/marid-mta/marid/framework/hooks"
	"github.com/marid-mta/marid/framework/log"
	"github.com/marid-mta/marid/framework/module"
	"github.com/marid-mta/marid/internal/check"
	dkimcheck "github.com/marid-mta/marid/internal/check/dkim"
	spfcheck "github.com/marid-mta/marid/internal/check/spf"
	"github.com/marid-mta/marid/internal/config"
	"github.com/marid-mta/marid/internal/limits"
	"github.com/marid-mta/marid/internal/modify"
	signdkim "github.com/marid-mta/marid/internal/modify/dkim"
	"github.com/marid-mta/marid/internal/msgpipeline"
	"github.com/marid-mta/marid/internal/quota"
	"github.com/marid-mta/marid/internal/storage"
	"github.com/marid-mta/marid/internal/target/local"
	"github.com/marid-mta/marid/internal/target/queue"
	"github.com/marid-mta/marid/internal/target/remote"
)

// Version is set by the linker during release builds.
var Version = "unknown"

func main() {
	configPath := flag.String("config", "/etc/marid/marid.yml", "path to the configuration file")
	debug := flag.Bool("debug", false, "enable debug logging (overrides config)")
	version := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("marid", Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Println(err)
		os.Exit(2)
	}
	if *debug {
		cfg.Log.Debug = true
	}

	logger := buildLogger(cfg.Log)
	defer logger.Out.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal error", err)
		os.Exit(1)
	}
}

func buildLogger(cfg config.LogConfig) log.Logger {
	var out log.Output
	switch cfg.Format {
	case "json":
		level := zapcore.InfoLevel
		if cfg.Debug {
			level = zapcore.DebugLevel
		}
		core := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.Lock(os.Stderr), level)
		out = log.ZapOutput(zap.New(core))
	default:
		out = log.WriterOutput(os.Stderr, true)
	}

	logger := log.Logger{Out: out, Name: "marid", Debug: cfg.Debug}
	log.DefaultLogger = logger
	return logger
}

func subLogger(parent log.Logger, name string) log.Logger {
	return log.Logger{Out: parent.Out, Name: name, Debug: parent.Debug}
}

func parseTLSLevel(s string) (remote.TLSLevel, error) {
	switch s {
	case "none":
		return remote.TLSNone, nil
	case "encrypted":
		return remote.TLSEncrypted, nil
	case "authenticated":
		return remote.TLSAuthenticated, nil
	}
	return 0, fmt.Errorf("unknown TLS level: %s", s)
}

func parseMXLevel(s string) (remote.MXLevel, error) {
	switch s {
	case "none":
		return remote.MXNone, nil
	case "mtasts":
		return remote.MX_MTASTS, nil
	case "dnssec":
		return remote.MX_DNSSEC, nil
	}
	return 0, fmt.Errorf("unknown MX level: %s", s)
}

func run(cfg *config.Config, logger log.Logger) error {
	extResolver, err := dns.NewExtResolver()
	if err != nil {
		// DANE and DNSSEC evaluation are skipped without it, plain delivery
		// still works.
		logger.Error("DNSSEC-aware resolver unavailable", err)
		extResolver = nil
	}

	cache := dns.NewCache(extResolver, dns.DefaultResolver())
	cache.MinTTL = cfg.DNS.MinTTL
	cache.MaxTTL = cfg.DNS.MaxTTL
	cache.NegativeTTL = cfg.DNS.NegativeTTL
	cache.MaxEntries = cfg.DNS.MaxEntries
	defer cache.Close()

	ledger, err := quota.Open(cfg.Quota.DBPath, subLogger(logger, "quota"), quota.LedgerOpts{
		WarnThresholds: cfg.Quota.WarnThresholds,
		WarnInterval:   cfg.Quota.WarnInterval,
	})
	if err != nil {
		return err
	}
	defer ledger.Close()
	go logQuotaEvents(ledger, subLogger(logger, "quota"))

	accounts, err := storage.Open(cfg.Local.DBPath, subLogger(logger, "storage"))
	if err != nil {
		return err
	}
	defer accounts.Close()

	msgs, err := storage.OpenMsgStore(cfg.Local.MessagesPath)
	if err != nil {
		return err
	}

	localTgt := local.New(accounts, msgs, subLogger(logger, "target.local"))
	localTgt.Quota = ledger

	minTLS, err := parseTLSLevel(cfg.Remote.MinTLSLevel)
	if err != nil {
		return err
	}
	minMX, err := parseMXLevel(cfg.Remote.MinMXLevel)
	if err != nil {
		return err
	}
	remoteTgt, err := remote.New(remote.Opts{
		Hostname:       cfg.Remote.Hostname,
		Resolver:       cache,
		ExtResolver:    extResolver,
		MTASTSCacheDir: cfg.Remote.MTASTSCache,
		MinTLSLevel:    minTLS,
		MinMXLevel:     minMX,
		ConnReuse:      cfg.Remote.ConnReuse,
	}, subLogger(logger, "remote"))
	if err != nil {
		return err
	}
	defer remoteTgt.Close()

	limitsGrp := limits.NewGroup(limits.Config{
		MaxConcurrency: cfg.Limits.Concurrency,
		PerDomain:      cfg.Limits.PerDomain,
		Window:         cfg.Limits.Window,
	}, subLogger(logger, "limits"))
	defer limitsGrp.Close()

	var checks *check.Pipeline
	if cfg.Auth.SPF || cfg.Auth.DKIM {
		var checkList []module.Check
		if cfg.Auth.SPF {
			checkList = append(checkList,
				spfcheck.New(cache, subLogger(logger, "check.spf"), spfcheck.Opts{}))
		}
		if cfg.Auth.DKIM {
			checkList = append(checkList,
				dkimcheck.New(cache, subLogger(logger, "check.dkim"), dkimcheck.Opts{}))
		}
		checks = &check.Pipeline{
			Checks:   checkList,
			DMARC:    cfg.Auth.DMARC,
			Hostname: cfg.Remote.Hostname,
			Resolver: cache,
			Log:      subLogger(logger, "check"),
		}
	}

	var modifiers modify.Group
	if len(cfg.DKIM.Domains) != 0 {
		signer, err := signdkim.New(signdkim.Opts{
			Domains:         cfg.DKIM.Domains,
			Selector:        cfg.DKIM.Selector,
			KeyPathTemplate: cfg.DKIM.KeyPath,
			NewKeyAlgo:      cfg.DKIM.KeyAlgo,
		}, subLogger(logger, "sign_dkim"))
		if err != nil {
			return err
		}
		modifiers.Modifiers = append(modifiers.Modifiers, signer)
	}

	localDomains := map[string]bool{}
	for _, domain := range cfg.Local.Domains {
		norm, err := dns.ForLookup(domain)
		if err != nil {
			return fmt.Errorf("local domain %q: %w", domain, err)
		}
		localDomains[norm] = true
	}

	pipeline := &msgpipeline.MsgPipeline{
		Hostname:      cfg.Remote.Hostname,
		Checks:        checks,
		Modifiers:     modifiers,
		LocalDomains:  localDomains,
		Local:         localTgt,
		Remote:        remoteTgt,
		FirstPipeline: true,
		Log:           subLogger(logger, "pipeline"),
	}

	autogenDomain := cfg.Remote.Hostname
	if len(cfg.Local.Domains) != 0 {
		autogenDomain = cfg.Local.Domains[0]
	}
	q, err := queue.New(queue.Config{
		Location:         cfg.Queue.Location,
		Hostname:         cfg.Remote.Hostname,
		AutogenMsgDomain: autogenDomain,
		Workers:          cfg.Queue.Workers,
		MaxTries:         cfg.Queue.MaxTries,
		InitialRetryTime: cfg.Queue.InitialRetryTime,
		RetryTimeScale:   cfg.Queue.RetryTimeScale,
		MaxRetryTime:     cfg.Queue.MaxRetryTime,
		GiveUpAfter:      cfg.Queue.GiveUpAfter,
		AttemptTimeout:   cfg.Queue.AttemptTimeout,
	}, pipeline, subLogger(logger, "queue"))
	if err != nil {
		return err
	}
	q.Bounce = q
	q.Limits = limitsGrp
	defer q.Close()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics endpoint failed", err)
			}
		}()
		hooks.AddHook(hooks.EventShutdown, func() {
			metricsSrv.Shutdown(context.Background())
		})
	}

	logger.Msg("daemon started",
		"version", Version,
		"hostname", cfg.Remote.Hostname,
		"local_domains", strings.Join(cfg.Local.Domains, ","))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	logger.Msg("signal received, shutting down", "signal", s.String())

	hooks.RunHooks(hooks.EventShutdown)
	return nil
}

// logQuotaEvents consumes threshold-crossing events from the ledger so they
// end up in the log. A real notification system would hook in here.
func logQuotaEvents(ledger *quota.Ledger, logger log.Logger) {
	for ev := range ledger.Events() {
		logger.Msg("mailbox quota threshold crossed",
			"mailbox", ev.MailboxID,
			"threshold_pct", ev.Threshold,
			"used_bytes", ev.Used,
			"quota_bytes", ev.Limit)
	}
}
