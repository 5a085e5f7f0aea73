package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/andrej220/saltstep/internal/gateway"
	"github.com/andrej220/saltstep/internal/serverutil"
	"github.com/andrej220/saltstep/internal/worker"
	"github.com/andrej220/saltstep/pkg/consumer"
	"github.com/andrej220/saltstep/pkg/lg"
	"github.com/andrej220/saltstep/pkg/orchestrator"
	"github.com/andrej220/saltstep/pkg/persistence"
	"github.com/andrej220/saltstep/pkg/producer"
	datamodels "github.com/andrej220/saltstep/pkg/shared-models"
	"github.com/andrej220/saltstep/pkg/workerpool"
)

const mongoTimeout = 10 * time.Second

func newWorkerCmd(a *app) *cobra.Command {
	var (
		runTimeout  time.Duration
		gatewayAddr string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Execute run requests from Kafka and store their results",
		Long: `Consumes run requests from the settings' worker topic, runs each one with the
configured salt-api endpoint and credentials, and stores every outcome in
MongoDB or as JSON files. Stops on SIGINT or SIGTERM after in-flight runs
have finished. With --gateway the same process also serves the HTTP gateway.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.worker(cmd.Context(), runTimeout, gatewayAddr)
		},
	}
	cmd.Flags().DurationVar(&runTimeout, "run-timeout", 30*time.Minute, "cancel a run after this long; 0 disables")
	cmd.Flags().StringVar(&gatewayAddr, "gateway", "", "also serve the HTTP gateway on this address")
	return cmd
}

func (a *app) worker(ctx context.Context, runTimeout time.Duration, gatewayAddr string) error {
	ws := a.settings.Worker
	password := a.getenv(passwordEnv)
	if password == "" {
		return usageError{fmt.Errorf("%s is not set", passwordEnv)}
	}

	store, closeStore, err := a.resultStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	cons, err := consumer.NewConsumer[datamodels.RunRequest](consumer.Config{
		Brokers: ws.Brokers,
		Topic:   ws.Topic,
		GroupID: ws.GroupID,
	})
	if err != nil {
		return usageError{err}
	}
	defer cons.Close()

	orch, err := a.newOrchestrator(orchestrator.LogSink{Logger: a.logger})
	if err != nil {
		return usageError{err}
	}
	pool := workerpool.NewPool[datamodels.RunRequest](ws.Workers)
	svc := worker.New(cons, orch, store, pool, worker.Template{
		Endpoint: a.settings.SaltAPI.Endpoint,
		Credentials: orchestrator.Credentials{
			User:     a.settings.SaltAPI.User,
			Password: password,
			Eauth:    a.settings.SaltAPI.Eauth,
		},
		APIVersion: a.settings.SaltAPI.APIVersion,
	}, worker.WithLogger(a.logger), worker.WithRunTimeout(runTimeout))

	a.logger.Info("worker starting",
		lg.Strings("brokers", ws.Brokers), lg.String("topic", ws.Topic), lg.Int("workers", ws.Workers))

	var gw *producer.Producer[datamodels.RunRequest]
	if gatewayAddr != "" {
		if gw, err = a.newProducer(); err != nil {
			return err
		}
		defer gw.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer pool.Stop()
		return svc.Run(gctx)
	})
	if gw != nil {
		conf := serverutil.DefaultServerConfig()
		conf.Addr = gatewayAddr
		conf.Logger = a.logger
		g.Go(func() error {
			return serverutil.RunServer(gctx, gateway.NewHandler(gw, a.logger), conf)
		})
	}
	err = g.Wait()
	a.logger.Info("worker stopped")
	return err
}

func (a *app) resultStore(ctx context.Context) (persistence.ResultStore, func(), error) {
	rs := a.settings.Worker.Results
	if rs.Kind != "mongo" {
		return persistence.FileResultStore{Dir: rs.Dir}, func() {}, nil
	}
	cctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	client, err := mongo.Connect(cctx, options.Client().ApplyURI(rs.MongoURI))
	if err != nil {
		return nil, nil, fmt.Errorf("connect result store: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("ping result store: %w", err)
	}
	closeFn := func() {
		dctx, cancel := context.WithTimeout(context.Background(), mongoTimeout)
		defer cancel()
		if err := client.Disconnect(dctx); err != nil {
			a.logger.Warn("cannot disconnect result store", lg.Err(err))
		}
	}
	coll := client.Database(rs.Database).Collection(rs.Collection)
	return persistence.MongoResultStore{Collection: coll}, closeFn, nil
}
