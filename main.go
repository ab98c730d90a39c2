package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

func main() {
	cfg := LoadConfig()
	InitLogger(cfg.LogLevel, cfg.LogFormat)
	log.Info().Str("driver", cfg.DBDriver).Msg("Starting zapcrm gateway")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := OpenDB(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open database")
	}
	defer db.Close()
	store := NewSQLStore(db)

	rt, err := ConnectPublisher(cfg.NatsURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect realtime channel")
	}
	defer rt.Close()

	mirror, err := NewS3Mirror(cfg.S3)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not configure S3 mirror")
	}
	media := NewMediaStore(cfg.MediaDir, cfg.TranscribeURL, mirror)

	dialer, err := NewMeowDialer(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open protocol credential store")
	}
	supervisor := NewSupervisor(store, rt, dialer, cfg.QRTerminal)

	broker, err := ConnectBroker(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect message broker")
	}
	defer broker.Close()
	supervisor.SetSink(NewProducer(broker))

	dispatcher := NewDispatcher(store, supervisor, rt, cfg.MediaDir)
	ai := NewAIClient(cfg.AIBaseURL, cfg.AIModel)
	router := NewRouter(store, supervisor, media, dispatcher, ai, rt)
	consumer := NewConsumer(broker, router, cfg.Concurrency, cfg.RatePerSec)

	sweeper := NewSweeper(store, dispatcher, rt)
	sweeper.Start()

	supervisor.StartAll(ctx)

	// Blocks draining the inbound queue until shutdown.
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Consumer stopped unexpectedly")
	}

	log.Info().Msg("Shutting down")
	sweeper.Stop()
	supervisor.Shutdown()
}
