package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andrej220/saltstep/internal/gateway"
	"github.com/andrej220/saltstep/internal/serverutil"
	"github.com/andrej220/saltstep/pkg/producer"
	datamodels "github.com/andrej220/saltstep/pkg/shared-models"
	"github.com/andrej220/saltstep/pkg/tokenizer"
)

func (a *app) newProducer() (*producer.Producer[datamodels.RunRequest], error) {
	prod, err := producer.NewProducer[datamodels.RunRequest](producer.Config{
		Brokers: a.settings.Worker.Brokers,
		Topic:   a.settings.Worker.Topic,
	})
	if err != nil {
		return nil, usageError{err}
	}
	return prod, nil
}

func newEnqueueCmd(a *app) *cobra.Command {
	var apiVersion string
	cmd := &cobra.Command{
		Use:   "enqueue TARGET COMMAND",
		Short: "Queue a run request for the workers",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := tokenizer.Split(args[1]); err != nil {
				return usageError{err}
			}
			prod, err := a.newProducer()
			if err != nil {
				return err
			}
			defer prod.Close()

			req := datamodels.NewRunRequest(args[0], args[1])
			req.APIVersion = apiVersion
			if err := prod.Publish(cmd.Context(), req.RequestID[:], req); err != nil {
				return fmt.Errorf("queue run request: %w", err)
			}
			fmt.Fprintln(a.stdout, req.RequestID)
			return nil
		},
	}
	cmd.Flags().StringVar(&apiVersion, "api-version", "", "salt-api version for this run")
	return cmd
}

func newGatewayCmd(a *app) *cobra.Command {
	conf := serverutil.DefaultServerConfig()
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Accept run requests over HTTP and queue them for the workers",
		Long: `Serves POST ` + gateway.Path + ` with a JSON body {"target": ..., "command": ...}
and queues it on the workers' Kafka topic. Answers 202 with the request id.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			prod, err := a.newProducer()
			if err != nil {
				return err
			}
			defer prod.Close()

			conf.Logger = a.logger
			return serverutil.RunServer(cmd.Context(), gateway.NewHandler(prod, a.logger), conf)
		},
	}
	cmd.Flags().StringVar(&conf.Addr, "listen", conf.Addr, "address to listen on")
	return cmd
}
