package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"jieyou_pet/internal/clock"
	"jieyou_pet/internal/report"
	"jieyou_pet/internal/rewards"
)

func usage() {
	fmt.Println("Usage: admin <command> [args...]")
	fmt.Println("Commands:")
	fmt.Println("  stats [day]          - Interaction and coin totals for a day (default today)")
	fmt.Println("  top-earners [limit]  - Users ranked by coins earned")
	fmt.Println("  balance-drift        - Users whose balance disagrees with the coin ledger")
	fmt.Println("  repair-pet           - Recompute the pet level from its experience")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.Warnf("admin: could not load .env: %v", err)
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		logrus.Fatal("admin: DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r, err := report.Open(ctx, dbURL)
	if err != nil {
		logrus.Fatalf("admin: connect: %v", err)
	}
	defer r.Close()

	var out any
	switch cmd := os.Args[1]; cmd {
	case "stats":
		day := clock.DayKey(time.Now(), location())
		if len(os.Args) > 2 {
			day = os.Args[2]
		}
		out, err = r.DailyStats(ctx, day)

	case "top-earners":
		limit := 10
		if len(os.Args) > 2 {
			if limit, err = strconv.Atoi(os.Args[2]); err != nil {
				logrus.Fatalf("admin: bad limit %q", os.Args[2])
			}
		}
		out, err = r.TopEarners(ctx, limit)

	case "balance-drift":
		out, err = r.BalanceDrift(ctx)

	case "repair-pet":
		out, err = r.RepairPetLevel(ctx, rewards.Default())

	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		logrus.Fatalf("admin: %s: %v", os.Args[1], err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logrus.Fatalf("admin: encode: %v", err)
	}
}

func location() *time.Location {
	if tz := strings.TrimSpace(os.Getenv("TIMEZONE")); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.Local
}
