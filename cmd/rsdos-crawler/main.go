// Command rsdos-crawler is the Cobra-based entry point for the rsdos
// crawler, mirroring the teacher's walker binary's per-subsystem
// commands (crawl/fetch/dispatch/schema) generalized to this pipeline's
// four stages: Attack Merger, Host Resolver, Crawl Scheduler (plus Crawl
// Cache and Wait Queue), and Dump Writer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/log4go"
	"github.com/spf13/cobra"

	"github.com/caida/rsdos-crawler/internal/broker"
	"github.com/caida/rsdos-crawler/internal/config"
	"github.com/caida/rsdos-crawler/internal/crawlcache"
	"github.com/caida/rsdos-crawler/internal/crawler"
	"github.com/caida/rsdos-crawler/internal/cronsched"
	"github.com/caida/rsdos-crawler/internal/decode"
	"github.com/caida/rsdos-crawler/internal/dnsdb"
	"github.com/caida/rsdos-crawler/internal/dump"
	"github.com/caida/rsdos-crawler/internal/merger"
	"github.com/caida/rsdos-crawler/internal/metrics"
	"github.com/caida/rsdos-crawler/internal/notify"
	"github.com/caida/rsdos-crawler/internal/resolver"
)

var configPath string

func main() {
	root := &cobra.Command{Use: "rsdos-crawler"}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "rsdos-crawler.yaml", "path to a config file to load")

	root.AddCommand(
		crawlCommand("crawl", "start every stage of the pipeline in one process", stageMerge|stageResolve|stageCrawl|stageDump),
		crawlCommand("merge-only", "start only the Attack Merger stage", stageMerge),
		crawlCommand("resolve-only", "start only the Host Resolver stage", stageResolve),
		crawlCommand("crawl-only", "start only the Crawl Scheduler, Crawl Cache, and Wait Queue stages", stageCrawl),
		crawlCommand("dump-only", "start only the Dump Writer stage", stageDump),
		schemaCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type stageSet int

const (
	stageMerge stageSet = 1 << iota
	stageResolve
	stageCrawl
	stageDump
)

func (s stageSet) has(stage stageSet) bool { return s&stage != 0 }

func crawlCommand(use, short string, stages stageSet) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Run: func(cmd *cobra.Command, args []string) {
			config.Name = configPath
			if err := config.Load(); err != nil {
				log4go.Error("rsdos-crawler: %v", err)
				os.Exit(1)
			}
			if err := run(stages); err != nil {
				log4go.Error("rsdos-crawler: %v", err)
				os.Exit(1)
			}
		},
	}
}

func schemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "create the DNS lookup database's Cassandra keyspace and tables",
		Run: func(cmd *cobra.Command, args []string) {
			config.Name = configPath
			if err := config.Load(); err != nil {
				log4go.Error("rsdos-crawler: %v", err)
				os.Exit(1)
			}
			cfg := dnsdb.ClientConfig{
				Hosts:    config.Config.Cassandra.Hosts,
				Keyspace: config.Config.Cassandra.Keyspace,
				Timeout:  mustParseDuration(config.Config.Cassandra.Timeout),
			}
			if err := dnsdb.CreateSchema(cfg); err != nil {
				log4go.Error("rsdos-crawler: creating schema: %v", err)
				os.Exit(1)
			}
		},
	}
}

func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("rsdos-crawler: invalid duration %q: %v", s, err))
	}
	return d
}

// run wires together every stage named by stages, starts their consumer
// loops and periodic jobs, and blocks until SIGINT/SIGTERM triggers a
// graceful shutdown: stop consuming, let in-flight handlers drain, flush
// the broker client.
func run(stages stageSet) error {
	cfg := config.Config

	m := metrics.New(cfg.Metrics.Namespace)
	metricsServer := metrics.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port), m)
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("starting metrics server: %w", err)
	}
	defer metricsServer.Stop()

	client, err := broker.New(broker.ClientConfig{
		Brokers:             []string{cfg.Broker},
		ClientID:            "rsdos-crawler",
		ConsumerGroup:       "rsdos-crawler",
		ProcessingGuarantee: broker.ProcessingGuarantee(cfg.ProcessingGuarantee),
		Metrics:             m.Broker,
	})
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer client.Close()

	for _, topic := range broker.InternalTopics {
		if err := client.EnsureTopic(context.Background(), topic, int32(cfg.TopicPartitions), 1); err != nil {
			log4go.Warn("rsdos-crawler: ensuring topic %v: %v", topic, err)
		}
	}

	notifier := notify.New(cfg.SlackToken, cfg.SlackChannel)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	var mergerStage *merger.Merger
	if stages.has(stageMerge) {
		mergerStage, err = startMerger(ctx, &wg, client, cfg, m, notifier)
		if err != nil {
			cancel()
			return err
		}
	}

	if stages.has(stageResolve) {
		if _, err := startResolver(ctx, &wg, client, cfg, m); err != nil {
			cancel()
			return err
		}
	}

	if stages.has(stageCrawl) {
		if err := startCrawl(ctx, &wg, client, cfg, m, notifier); err != nil {
			cancel()
			return err
		}
	}

	if stages.has(stageDump) {
		// The dump writer needs a live view of attack_table. When the
		// merge stage also runs in this process, share its table
		// directly; a standalone dump-only process instead recovers
		// its own mirror, matching the teacher's per-subsystem command
		// pattern (fetch/dispatch can each run against shared state).
		attacks, err := dumpAttackStore(ctx, client, mergerStage, m, notifier)
		if err != nil {
			cancel()
			return err
		}
		if err := startDump(ctx, &wg, client, cfg, attacks, notifier, m); err != nil {
			cancel()
			return err
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log4go.Info("rsdos-crawler: received shutdown signal, draining in-flight handlers")
	cancel()
	wg.Wait()
	return nil
}

func dumpAttackStore(ctx context.Context, client *broker.Client, mergerStage *merger.Merger, reg *metrics.Registry, notifier notify.Notifier) (dump.AttackStore, error) {
	if mergerStage != nil {
		return mergerStage.Attacks(), nil
	}
	// No merge stage running in this process: stand up a second merger
	// instance purely to recover and mirror attack_table for the dump
	// writer to read, matching the teacher's per-subsystem command
	// pattern (dispatch/fetch can run standalone against the same
	// Cassandra-backed state the all-in-one crawl command uses).
	mirror := merger.New(client, decode.JSON{}, mustParseDuration(config.Config.AttackMergeInterval), mustParseDuration(config.Config.AttackTTL), config.Config.AttackConcurrency, reg, notifier)
	if err := mirror.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recovering attack table mirror for dump-only: %w", err)
	}
	return mirror.Attacks(), nil
}

func startMerger(ctx context.Context, wg *sync.WaitGroup, client *broker.Client, cfg config.RsdosConfig, reg *metrics.Registry, notifier notify.Notifier) (*merger.Merger, error) {
	m := merger.New(client, decode.JSON{}, cfg.AttackMergeIntervalDuration(), cfg.AttackTTLDuration(), cfg.AttackConcurrency, reg, notifier)
	if err := m.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recovering attack merger: %w", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := client.Consume(ctx, []string{broker.TopicAttackChange}, m.HandleChange); err != nil && ctx.Err() == nil {
			log4go.Error("rsdos-crawler: attack merger consume loop exited: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ingest := func(ctx context.Context, rec broker.Record) error {
			m.IngestBatch(ctx, rec.Value)
			return nil
		}
		if err := client.Consume(ctx, []string{cfg.UpstreamTopic}, ingest); err != nil && ctx.Err() == nil {
			log4go.Error("rsdos-crawler: upstream vector consume loop exited: %v", err)
		}
	}()
	return m, nil
}

func startResolver(ctx context.Context, wg *sync.WaitGroup, client *broker.Client, cfg config.RsdosConfig, reg *metrics.Registry) (*resolver.Resolver, error) {
	dnsdbClient, err := dnsdb.New(dnsdb.ClientConfig{
		Hosts:    cfg.Cassandra.Hosts,
		Keyspace: cfg.Cassandra.Keyspace,
		Timeout:  mustParseDuration(cfg.Cassandra.Timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to dns lookup database: %w", err)
	}

	r := resolver.New(client, dnsdbClient, cfg.HostCacheIntervalDuration(), cfg.HostMaxNum, cfg.HostConcurrency, reg)
	if err := r.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recovering host resolver: %w", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer dnsdbClient.Close()
		if err := client.Consume(ctx, []string{broker.TopicHostGet}, r.HandleGet); err != nil && ctx.Err() == nil {
			log4go.Error("rsdos-crawler: host resolver consume loop exited: %v", err)
		}
	}()
	return r, nil
}

func startCrawl(ctx context.Context, wg *sync.WaitGroup, client *broker.Client, cfg config.RsdosConfig, reg *metrics.Registry, notifier notify.Notifier) error {
	fetcher, err := crawler.NewFetcher(cfg.CrawlRequestHeader, cfg.CrawlRequestTimeoutDuration(), cfg.CrawlBodyMaxBytes, cfg.HostCacheIntervalDuration(), cfg.CrawlConcurrency)
	if err != nil {
		return fmt.Errorf("building crawl fetcher: %w", err)
	}

	cache := crawlcache.New(client, cfg.CrawlCacheIntervalDuration(), cfg.CrawlRetriesBackoffDuration(), reg, notifier)
	if err := cache.Recover(ctx); err != nil {
		return fmt.Errorf("recovering crawl cache: %w", err)
	}

	sched := crawler.NewScheduler(client, fetcher, cache, cfg.CrawlRetries, cfg.CrawlRetriesBackoffDuration(), cfg.CrawlRepeatIntervalDuration(), cfg.CrawlCacheIntervalDuration(), cfg.AttackTTLDuration(), cfg.CrawlConcurrency, reg)

	wait := crawler.NewWaitQueue(client, reg, notifier)
	if err := wait.Recover(ctx); err != nil {
		return fmt.Errorf("recovering wait queue: %w", err)
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := client.Consume(ctx, []string{broker.TopicCrawlGet}, sched.HandleGet); err != nil && ctx.Err() == nil {
			log4go.Error("rsdos-crawler: crawl scheduler consume loop exited: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := client.Consume(ctx, []string{broker.TopicCrawlChange}, cache.HandleChange); err != nil && ctx.Err() == nil {
			log4go.Error("rsdos-crawler: crawl cache consume loop exited: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := client.Consume(ctx, []string{broker.TopicCrawlWaitChange}, wait.HandleChange); err != nil && ctx.Err() == nil {
			log4go.Error("rsdos-crawler: wait queue consume loop exited: %v", err)
		}
	}()

	go cache.Janitor(ctx, cfg.CrawlCleanTimerDuration())
	go wait.RunSweeper(ctx, cfg.CrawlGetWaitTimerDuration())

	return nil
}

func startDump(ctx context.Context, wg *sync.WaitGroup, client *broker.Client, cfg config.RsdosConfig, attacks dump.AttackStore, notifier notify.Notifier, reg *metrics.Registry) error {
	sched, err := cronsched.Parse(cfg.DumpCron)
	if err != nil {
		return fmt.Errorf("parsing dump_cron: %w", err)
	}

	w := dump.New(client, attacks, client, notifier, cfg.DumpDir, cfg.DumpCompressLevel, cfg.AttackTTLDuration(), cfg.RetentionIntervalDuration(), reg)
	if err := w.Recover(ctx); err != nil {
		return fmt.Errorf("recovering dump writer: %w", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := client.Consume(ctx, []string{broker.TopicDumpChange}, w.HandleChange); err != nil && ctx.Err() == nil {
			log4go.Error("rsdos-crawler: dump writer consume loop exited: %v", err)
		}
	}()

	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()
	go w.RunDumpCron(ctx, sched, stop)
	go w.RunRetentionTimer(ctx, cfg.DumpCleanTimerDuration())

	return nil
}
