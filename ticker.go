package main

import (
	"context"
	"log"
	"time"
)

// runTicker advances every game whose phase deadline has passed, once per
// interval, until ctx is cancelled.
func (e *Engine) runTicker(ctx context.Context, interval time.Duration) error {
	log.Printf("Ticker: checking phase deadlines every %v", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("Ticker: stopped")
			return nil
		case <-ticker.C:
			e.tickExpired(ctx)
		}
	}
}

// tickExpired resolves every expired phase and returns how many games advanced.
func (e *Engine) tickExpired(ctx context.Context) int {
	rooms, err := e.expiredRooms(ctx)
	if err != nil {
		logError("tickExpired: list", err)
		return 0
	}

	advanced := 0
	for _, roomCode := range rooms {
		before, err := e.GetGame(ctx, roomCode)
		if err != nil {
			logError("tickExpired: get game "+roomCode, err)
			continue
		}
		after, err := e.Tick(ctx, roomCode)
		if err != nil {
			logError("tickExpired: tick "+roomCode, err)
			continue
		}
		if after.Phase != before.Phase || after.Day != before.Day {
			DebugLog("tickExpired", "room %s advanced from %s-%d to %s-%d", roomCode, before.Phase, before.Day, after.Phase, after.Day)
			advanced++
		}
	}
	return advanced
}
