package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"custodia/db"
	"custodia/dispute"
	"custodia/emergency"
	"custodia/evidence"
	"custodia/hold"
	"custodia/identity"
	"custodia/objectstore"
	"custodia/pack"
	"custodia/tenant"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	identityService := identity.NewService(identity.NewRepository(pool), jwtSecret)
	holdRepo := hold.NewRepository(pool)
	holdService := hold.NewService(holdRepo, identityService)
	evidenceService := evidence.NewService(evidence.NewRepository(pool), identityService, holdService)
	disputeService := dispute.NewService(dispute.NewRepository(pool), identityService, evidenceService)
	packRepo := pack.NewRepository(pool)
	packService := pack.NewService(packRepo, identityService)
	packExporter := pack.NewExporter(packRepo, objectstore.NewMemStore())
	emergencyService := emergency.NewService(emergency.NewRepository(pool), identityService)
	tenantService := tenant.NewService(tenant.NewRepository(pool))

	sweeper := emergency.NewSweeper(tenantService, emergencyService, 15*time.Minute, nil)
	go func() {
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("grant sweeper stopped: %v", err)
		}
	}()

	log.Printf("custody core ready: hold=%t evidence=%t dispute=%t pack=%t export=%t emergency=%t",
		holdService != nil, evidenceService != nil, disputeService != nil,
		packService != nil, packExporter != nil, emergencyService != nil)

	<-ctx.Done()
}
