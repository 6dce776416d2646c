package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"

	"mspk/alltick"
	"mspk/cache"
	"mspk/feed"
	"mspk/internal/redisClient"
	"mspk/model"
	"mspk/pipeline"
	"mspk/pool"
	"mspk/queue"
	"mspk/service"
	"mspk/tools/config"
	"mspk/utils"
)

func main() {
	app := &cli.App{
		Name:     "mspk",
		HelpName: "mspk",
		Usage:    "Real-time market data feed service",
		Commands: []*cli.Command{
			{
				Name:     "serve",
				HelpName: "serve",
				Usage:    "Run the feed service until interrupted",
				Action:   serve,
			},
			{
				Name:     "history",
				HelpName: "history",
				Usage:    "Fetch historical candles for a symbol",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "symbol",
						Aliases:  []string{"s"},
						Usage:    "eg. XAUUSD",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "timeframe",
						Aliases:  []string{"t"},
						Usage:    "eg. 1h",
						Value:    "1h",
						Required: false,
					},
					&cli.IntFlag{
						Name:     "days",
						Aliases:  []string{"d"},
						Usage:    "eg. 7 (default 1 day)",
						Value:    1,
						Required: false,
					},
				},
				Action: history,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadSettings() model.Settings {
	return model.Settings{
		Provider: model.ProviderSettings{
			Token:   viper.GetString("provider.token"),
			BaseURL: viper.GetString("provider.baseUrl"),
			WsURL:   viper.GetString("provider.wsUrl"),
		},
		Pool: model.PoolSettings{
			MaxConnections:    viper.GetInt("pool.maxConnections"),
			MaxRetries:        viper.GetInt("pool.maxRetries"),
			BaseBackoff:       config.Duration("pool.baseBackoff", 2*time.Second),
			MaxBackoff:        config.Duration("pool.maxBackoff", time.Minute),
			HeartbeatInterval: config.Duration("pool.heartbeatInterval", 20*time.Second),
		},
		Feed: model.FeedSettings{
			MaxSymbolsPerWorker: viper.GetInt("feed.maxSymbolsPerWorker"),
			InterestTTL:         config.Duration("feed.interestTtl", time.Minute),
			SweepInterval:       config.Duration("feed.sweepInterval", time.Minute),
			ReconcileDebounce:   config.Duration("feed.reconcileDebounce", 100*time.Millisecond),
			HeartbeatInterval:   config.Duration("feed.heartbeatInterval", 10*time.Second),
			DepthLevel:          viper.GetInt("feed.depthLevel"),
			Essentials:          viper.GetStringSlice("feed.essentials"),
		},
		Queue: model.QueueSettings{
			RatePerMinute: viper.GetInt("queue.ratePerMinute"),
			SafetyFactor:  viper.GetFloat64("queue.safetyFactor"),
			MaxRetries:    viper.GetInt("queue.maxRetries"),
			RetryBase:     config.Duration("queue.retryBase", time.Second),
		},
		Cache: model.CacheSettings{
			MemoryMaxEntries: viper.GetInt("cache.memoryMaxEntries"),
			MemoryTTL:        config.Duration("cache.memoryTtl", 5*time.Minute),
			DiskDir:          viper.GetString("cache.diskDir"),
		},
		Pipeline: model.PipelineSettings{
			HighCapacity:   viper.GetInt("pipeline.highCapacity"),
			NormalCapacity: viper.GetInt("pipeline.normalCapacity"),
			BatchSize:      viper.GetInt("pipeline.batchSize"),
		},
	}
}

// newStore connects the shared cache tier. The service degrades to two
// tiers when redis is unreachable, it never refuses to start.
func newStore() cache.Store {
	if viper.GetString("redis.host") == "" {
		utils.Log.Warn("Redis not configured, shared cache tier disabled")
		return nil
	}
	client := redisClient.New()
	if err := client.Ping().Err(); err != nil {
		utils.Log.Warnf("Redis unreachable, shared cache tier disabled: %v", err)
		return nil
	}
	return cache.NewRedisStore(client)
}

func serve(c *cli.Context) error {
	settings := loadSettings()
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	config.WatchConf(utils.Log)

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	store := newStore()
	tiers, err := cache.New(settings.Cache, store)
	if err != nil {
		return err
	}

	q := queue.New(
		settings.Queue.RatePerMinute,
		queue.WithSafetyFactor(settings.Queue.SafetyFactor),
		queue.WithMaxRetries(settings.Queue.MaxRetries),
		queue.WithRetryBase(settings.Queue.RetryBase),
	)
	q.Start(ctx)

	client := alltick.NewClient(settings.Provider, q, tiers, store)
	supervisor := pool.NewSupervisor(settings.Pool.MaxConnections)
	pl := pipeline.New(settings.Pipeline)

	manager := feed.NewManager(settings, supervisor, client, pl.Push)
	svc := service.NewMarketData(settings, manager, pl, tiers, client)

	svc.Start(ctx)
	utils.Log.Infof("Feed service up, %d essential symbols", len(settings.Feed.Essentials))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	utils.Log.Info("Shutting down")
	svc.Stop()
	supervisor.Shutdown()
	cancel()

	printSummary(svc.Status(), q.Stats())
	return nil
}

// printSummary renders the run counters on shutdown.
func printSummary(status service.Status, qs queue.Stats) {
	buffer := bytes.NewBuffer(nil)

	table := tablewriter.NewWriter(buffer)
	table.SetHeader([]string{"Ticks In", "Delivered", "Dropped", "Dupes", "Workers", "Failed", "Symbols"})
	table.Append([]string{
		strconv.FormatInt(status.Pipeline.In, 10),
		strconv.FormatInt(status.Pipeline.Out, 10),
		strconv.FormatInt(status.Pipeline.Dropped, 10),
		strconv.FormatInt(status.Pipeline.Dupes, 10),
		strconv.Itoa(status.Feed.Workers),
		strconv.Itoa(status.Feed.FailedWorkers),
		strconv.Itoa(status.Feed.Symbols),
	})
	table.Render()

	table = tablewriter.NewWriter(buffer)
	table.SetHeader([]string{"Requests", "Processed", "Deduped", "Rate Limited", "Errors", "RPM", "L1 Hits", "L2 Hits", "L3 Hits"})
	table.Append([]string{
		strconv.FormatInt(qs.TotalRequests, 10),
		strconv.FormatInt(qs.Processed, 10),
		strconv.FormatInt(qs.Deduplicated, 10),
		strconv.FormatInt(qs.RateLimited, 10),
		strconv.FormatInt(qs.Errors, 10),
		fmt.Sprintf("%.1f", qs.RPM),
		strconv.FormatInt(status.Cache.L1Hits, 10),
		strconv.FormatInt(status.Cache.L2Hits, 10),
		strconv.FormatInt(status.Cache.L3Hits, 10),
	})
	table.Render()

	fmt.Println(buffer.String())
}

func history(c *cli.Context) error {
	settings := loadSettings()

	ctx, cancel := context.WithTimeout(c.Context, 2*time.Minute)
	defer cancel()

	tiers, err := cache.New(settings.Cache, nil)
	if err != nil {
		return err
	}
	q := queue.New(settings.Queue.RatePerMinute, queue.WithSafetyFactor(settings.Queue.SafetyFactor))
	q.Start(ctx)

	client := alltick.NewClient(settings.Provider, q, tiers, nil)

	to := time.Now()
	from := to.AddDate(0, 0, -c.Int("days"))
	candles, err := client.GetHistory(ctx, c.String("symbol"), c.String("timeframe"), from, to, 1)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Time", "Open", "High", "Low", "Close", "Volume"})
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT})
	for _, candle := range candles {
		table.Append([]string{
			time.Unix(candle.Time, 0).Format("2006-01-02 15:04"),
			fmt.Sprintf("%.4f", candle.Open),
			fmt.Sprintf("%.4f", candle.High),
			fmt.Sprintf("%.4f", candle.Low),
			fmt.Sprintf("%.4f", candle.Close),
			fmt.Sprintf("%.2f", candle.Volume),
		})
	}
	table.Render()
	return nil
}
