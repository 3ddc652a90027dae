package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trialdiary.org/internal/access"
	"trialdiary.org/internal/httpapi"
	"trialdiary.org/internal/obs"
	"trialdiary.org/internal/record"
	"trialdiary.org/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	stream := record.NewStream()

	var (
		svc    record.Service
		engine *access.Engine
		probe  httpapi.ReadyProbe
		err    error
	)
	if dsn := os.Getenv("DIARY_PG_DSN"); dsn != "" {
		db, openErr := pg.Open(dsn)
		if openErr != nil {
			log.Fatalf("open db: %v", openErr)
		}
		defer db.Close()

		accessStore := pg.NewAccessStore(db)
		engine, err = access.NewEngine(accessStore, accessStore, accessStore)
		if err != nil {
			log.Fatalf("access engine: %v", err)
		}
		svc = pg.NewStore(db, engine, pg.WithStream(stream))
		probe = httpapi.ReadyProbe{DB: db}
	} else {
		// No DSN: run against process memory. Useful for demos and tests,
		// never for a real trial.
		store := access.NewMemoryStore()
		engine, err = access.NewEngine(store, store, store)
		if err != nil {
			log.Fatalf("access engine: %v", err)
		}
		svc = record.NewInMemory(engine, record.WithStream(stream))
		log.Print("DIARY_PG_DSN is not set; events will not survive a restart")
	}

	api := httpapi.New(svc, engine, stream, probe, version)

	addr := os.Getenv("DIARY_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if grpcAddr := os.Getenv("DIARY_GRPC_ADDR"); grpcAddr != "" {
		lis, lisErr := net.Listen("tcp", grpcAddr)
		if lisErr != nil {
			log.Fatalf("grpc listen: %v", lisErr)
		}
		grpcSrv := httpapi.NewGRPCServer(probe)
		go func() {
			if serveErr := grpcSrv.Serve(ctx, lis); serveErr != nil {
				log.Printf("grpc serve: %v", serveErr)
			}
		}()
		log.Printf("gRPC health on %s", grpcAddr)
	}

	log.Printf("Starting trialdiary-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}
