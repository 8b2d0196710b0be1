package main

import (
	"database/sql"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

// Seeds the three plan tiers. Allocations here must match the quota package;
// GetQuotaStatus falls back to its own table when post_allocation is missing.
func main() {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL not set")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM public.billing_plans").Scan(&count); err != nil {
		log.Fatal(err)
	}
	log.Printf("Found %d plans in database", count)

	plans := []struct {
		id, name, desc string
		price          int
		allocation     int
	}{
		{
			id:         "starter",
			name:       "Starter",
			desc:       "For sole traders getting a social presence going",
			price:      1999,
			allocation: 12,
		},
		{
			id:         "growth",
			name:       "Growth",
			desc:       "For small businesses posting most days",
			price:      4199,
			allocation: 27,
		},
		{
			id:         "professional",
			name:       "Professional",
			desc:       "For businesses running all five platforms",
			price:      9999,
			allocation: 52,
		},
	}

	for _, plan := range plans {
		_, err = db.Exec(`
			INSERT INTO public.billing_plans (id, name, description, price_cents, currency, interval, post_allocation, is_active)
			VALUES ($1, $2, $3, $4, 'aud', 'month', $5, true)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				price_cents = EXCLUDED.price_cents,
				post_allocation = EXCLUDED.post_allocation,
				is_active = true,
				updated_at = NOW()
		`, plan.id, plan.name, plan.desc, plan.price, plan.allocation)
		if err != nil {
			log.Printf("Error upserting %s plan: %v", plan.id, err)
		} else {
			log.Printf("Upserted %s plan (%d posts/cycle)", plan.id, plan.allocation)
		}
	}

	rows, err := db.Query("SELECT id, name, price_cents, post_allocation FROM public.billing_plans ORDER BY price_cents")
	if err != nil {
		log.Fatal(err)
	}
	defer rows.Close()

	log.Println("Current plans:")
	for rows.Next() {
		var id, name string
		var price, alloc int
		if err := rows.Scan(&id, &name, &price, &alloc); err != nil {
			log.Fatal(err)
		}
		log.Printf("- %s: %s ($%d/month, %d posts)", id, name, price/100, alloc)
	}
}
