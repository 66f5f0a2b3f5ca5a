package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/rl1809/supply-ledger/internal/adapter/storage"
	"github.com/rl1809/supply-ledger/internal/core/domain"
	"github.com/rl1809/supply-ledger/internal/core/service"
	"github.com/rl1809/supply-ledger/internal/port"
)

const (
	itemID        = "stress-gloves"
	initialStock  = 20
	totalRequests = 50
	perRequest    = 1
)

// Submits and approves totalRequests requests for one unit each against initialStock
// units, then marks them all received at once. Exactly initialStock receipts must win.
// Uses MySQL when MYSQL_DSN is set, otherwise the in-memory store.
func main() {
	ctx := context.Background()

	var store port.DatabaseRepository = storage.NewMemoryStore(10 * time.Second)
	if dsn := os.Getenv("MYSQL_DSN"); dsn != "" {
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			log.Fatalf("failed to open mysql: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(totalRequests)

		adapter := storage.NewMySQLAdapter(db, storage.WithMaxRetries(5))
		if err := adapter.Migrate(ctx); err != nil {
			log.Fatalf("failed to migrate: %v", err)
		}
		store = adapter
		fmt.Println("store: mysql")
	} else {
		fmt.Println("store: memory")
	}

	officer := domain.Actor{UserID: "stress-officer", Role: domain.RoleOfficer, Origin: "central"}
	inventory := service.NewInventoryService(store)
	fulfillment := service.NewFulfillmentService(store, inventory)
	catalog := service.NewCatalogService(store)

	if _, err := catalog.RegisterItem(ctx, officer, domain.Item{
		ID: itemID, Name: "Stress Gloves", Category: domain.CategoryConsumables, Unit: "box",
	}); err != nil {
		log.Fatalf("failed to register item: %v", err)
	}

	start, err := inventory.CurrentQuantity(ctx, itemID)
	if err != nil {
		log.Fatalf("failed to read stock: %v", err)
	}
	if start < initialStock {
		if _, err := inventory.ReceiveStock(ctx, officer, itemID, initialStock-start); err != nil {
			log.Fatalf("failed to receive stock: %v", err)
		}
	}
	start, _ = inventory.CurrentQuantity(ctx, itemID)

	// Every submission sees enough stock; nothing is deducted until receipt.
	ids := make([]string, 0, totalRequests)
	for i := 0; i < totalRequests; i++ {
		nurse := domain.Actor{UserID: fmt.Sprintf("nurse-%d", i), Role: domain.RoleNurse, Origin: "ward-a"}
		id, err := fulfillment.SubmitRequest(ctx, nurse, service.SubmitInput{
			Lines: []service.LineInput{{ItemID: itemID, Quantity: perRequest}},
		})
		if err != nil {
			log.Fatalf("failed to submit request %d: %v", i, err)
		}
		if err := fulfillment.ApproveRequest(ctx, officer, id, nil); err != nil {
			log.Fatalf("failed to approve request %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	var successCount, shortCount, otherCount atomic.Int32
	var wg sync.WaitGroup
	began := time.Now()

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()

			err := fulfillment.MarkReceived(ctx, officer, id)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				shortCount.Add(1)
			default:
				otherCount.Add(1)
				log.Printf("request %s: %v", id, err)
			}
		}(id)
	}

	wg.Wait()
	elapsed := time.Since(began)

	success := successCount.Load()
	final, err := inventory.CurrentQuantity(ctx, itemID)
	if err != nil {
		log.Fatalf("failed to read final stock: %v", err)
	}

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", start)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Received:         %d\n", success)
	fmt.Printf("Short:            %d\n", shortCount.Load())
	fmt.Printf("Other Errors:     %d\n", otherCount.Load())
	fmt.Printf("Final Stock:      %d\n", final)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if final == start-int(success)*perRequest && final >= 0 {
		fmt.Println("PASS: stock conserved")
	} else {
		fmt.Printf("FAIL: expected final stock %d, got %d\n", start-int(success)*perRequest, final)
		os.Exit(1)
	}
}
