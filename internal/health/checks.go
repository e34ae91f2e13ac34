package health

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"time"

	"editstate/internal/storage"
)

// checkKey is written and removed by StorageCheck.
const checkKey = "health/check"

// StorageCheck round-trips a small value through store.
func StorageCheck(store storage.Store) Check {
	return func(ctx context.Context) CheckResult {
		payload := []byte(time.Now().UTC().Format(time.RFC3339Nano))
		if err := store.Write(ctx, checkKey, payload); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "storage write failed",
				Error:   err.Error(),
			}
		}
		got, err := store.Read(ctx, checkKey)
		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "storage read failed",
				Error:   err.Error(),
			}
		}
		_ = store.Delete(ctx, checkKey)
		if !bytes.Equal(got, payload) {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "storage returned a different value",
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "storage ok",
		}
	}
}

// CheckpointAgeCheck degrades when the last checkpoint is older than
// maxAge. A zero time means no checkpoint has been written yet, which is
// reported as unknown until grace has passed since the checker started.
func CheckpointAgeCheck(last func() time.Time, maxAge, grace time.Duration) Check {
	started := time.Now()
	return func(ctx context.Context) CheckResult {
		ts := last()
		if ts.IsZero() {
			if time.Since(started) < grace {
				return CheckResult{Status: StatusUnknown, Message: "no checkpoint yet"}
			}
			return CheckResult{Status: StatusDegraded, Message: "no checkpoint written"}
		}
		age := time.Since(ts)
		details := map[string]any{
			"last_checkpoint": ts,
			"age_seconds":     age.Seconds(),
		}
		if age > maxAge {
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("last checkpoint %s ago", age.Round(time.Second)),
				Details: details,
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "checkpoints current",
			Details: details,
		}
	}
}

// MemoryCheck degrades when the live heap exceeds maxHeap bytes.
func MemoryCheck(maxHeap uint64) Check {
	return func(ctx context.Context) CheckResult {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		details := map[string]any{
			"heap_alloc": ms.HeapAlloc,
			"heap_sys":   ms.HeapSys,
			"max_heap":   maxHeap,
			"num_gc":     ms.NumGC,
		}
		if maxHeap > 0 && ms.HeapAlloc > maxHeap {
			return CheckResult{
				Status:  StatusDegraded,
				Message: "heap above threshold",
				Details: details,
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "memory ok",
			Details: details,
		}
	}
}

// DiskSpaceCheck degrades when the filesystem holding path has fewer than
// minFreeBytes available.
func DiskSpaceCheck(path string, minFreeBytes uint64) Check {
	return func(ctx context.Context) CheckResult {
		free, err := freeBytes(path)
		if err != nil {
			return CheckResult{
				Status:  StatusUnknown,
				Message: "disk space unavailable",
				Error:   err.Error(),
			}
		}
		details := map[string]any{
			"path":           path,
			"free_bytes":     free,
			"min_free_bytes": minFreeBytes,
		}
		if free < minFreeBytes {
			return CheckResult{
				Status:  StatusDegraded,
				Message: "low disk space",
				Details: details,
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "disk space ok",
			Details: details,
		}
	}
}

// CustomCheck creates a check from a simple function.
func CustomCheck(fn func() error) Check {
	return func(ctx context.Context) CheckResult {
		err := fn()
		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "check failed",
				Error:   err.Error(),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "check passed",
		}
	}
}
