package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"

	"github.com/fleetsync-io/fleetsync/internal/config"
	"github.com/fleetsync-io/fleetsync/internal/identity"
)

var windowBase = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// TestIdentityStoreIntegration runs all integration tests for IdentityStore.
func TestIdentityStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := &Connection{DB: testDB.Connection}

	store, err := NewIdentityStore(conn)
	if err != nil {
		t.Fatalf("NewIdentityStore() error = %v", err)
	}

	t.Run("Activate_FreshAndIdempotent", testActivateFreshAndIdempotent(ctx, store))
	t.Run("Activate_DeviceSwap", testActivateDeviceSwap(ctx, store))
	t.Run("Activate_VehicleReplacement", testActivateVehicleReplacement(ctx, store))
	t.Run("Activate_BackdatedRejected", testActivateBackdatedRejected(ctx, store))
	t.Run("Activate_ConcurrentSameDevice", testActivateConcurrentSameDevice(ctx, store))
	t.Run("ResolveAt_PointInTime", testResolveAtPointInTime(ctx, store))
	t.Run("CreateMapping_OverlapGuard", testCreateMappingOverlapGuard(ctx, store))
	t.Run("CreateMapping_OpenVehicleGuard", testCreateMappingOpenVehicleGuard(ctx, store))
	t.Run("ExcludeConstraintBackstop", testExcludeConstraintBackstop(ctx, store, conn))
}

func testActivateFreshAndIdempotent(ctx context.Context, store *IdentityStore) func(*testing.T) {
	return func(t *testing.T) {
		const configurationID = 201

		if err := store.Activate(ctx, 100, configurationID, "dev-1", windowBase); err != nil {
			t.Fatalf("Activate() error = %v", err)
		}

		// Re-activating the current owner later must not close and reopen.
		if err := store.Activate(ctx, 100, configurationID, "dev-1", windowBase.Add(24*time.Hour)); err != nil {
			t.Fatalf("Activate() repeat error = %v", err)
		}

		mappings, err := store.ListForKey(ctx, configurationID, "dev-1")
		if err != nil {
			t.Fatalf("ListForKey() error = %v", err)
		}

		if len(mappings) != 1 {
			t.Fatalf("len(mappings) = %d, want 1", len(mappings))
		}

		if mappings[0].ValidUntil != nil {
			t.Errorf("mapping closed by idempotent re-activation")
		}

		if !mappings[0].ValidFrom.Equal(windowBase) {
			t.Errorf("valid_from = %v, want original %v", mappings[0].ValidFrom, windowBase)
		}
	}
}

func testActivateDeviceSwap(ctx context.Context, store *IdentityStore) func(*testing.T) {
	return func(t *testing.T) {
		const configurationID = 202

		swapAt := windowBase.Add(30 * 24 * time.Hour)

		if err := store.Activate(ctx, 100, configurationID, "dev-1", windowBase); err != nil {
			t.Fatalf("Activate() error = %v", err)
		}

		if err := store.Activate(ctx, 200, configurationID, "dev-1", swapAt); err != nil {
			t.Fatalf("Activate() error = %v", err)
		}

		mappings, err := store.ListForKey(ctx, configurationID, "dev-1")
		if err != nil {
			t.Fatalf("ListForKey() error = %v", err)
		}

		if len(mappings) != 2 {
			t.Fatalf("len(mappings) = %d, want 2", len(mappings))
		}

		// Newest first: the open window for vehicle 200, then the closed one
		// for vehicle 100 ending exactly at the swap instant.
		if mappings[0].VehicleID != 200 || mappings[0].ValidUntil != nil {
			t.Errorf("current mapping = vehicle %d until %v, want vehicle 200 open", mappings[0].VehicleID, mappings[0].ValidUntil)
		}

		if mappings[1].ValidUntil == nil || !mappings[1].ValidUntil.Equal(swapAt) {
			t.Errorf("previous window end = %v, want %v", mappings[1].ValidUntil, swapAt)
		}
	}
}

func testActivateVehicleReplacement(ctx context.Context, store *IdentityStore) func(*testing.T) {
	return func(t *testing.T) {
		const configurationID = 203

		replaceAt := windowBase.Add(10 * 24 * time.Hour)

		if err := store.Activate(ctx, 100, configurationID, "dev-old", windowBase); err != nil {
			t.Fatalf("Activate() error = %v", err)
		}

		if err := store.Activate(ctx, 100, configurationID, "dev-new", replaceAt); err != nil {
			t.Fatalf("Activate() error = %v", err)
		}

		open, err := store.OpenForVehicle(ctx, 100, configurationID)
		if err != nil {
			t.Fatalf("OpenForVehicle() error = %v", err)
		}

		if open.ExternalID != "dev-new" {
			t.Errorf("open mapping external id = %v, want dev-new", open.ExternalID)
		}

		// The old device's window closed at the replacement instant.
		_, found, err := store.ResolveAt(ctx, "dev-old", configurationID, replaceAt)
		if err != nil {
			t.Fatalf("ResolveAt() error = %v", err)
		}

		if found {
			t.Errorf("old device still resolves at the replacement instant")
		}
	}
}

func testActivateBackdatedRejected(ctx context.Context, store *IdentityStore) func(*testing.T) {
	return func(t *testing.T) {
		const configurationID = 204

		if err := store.Activate(ctx, 100, configurationID, "dev-1", windowBase); err != nil {
			t.Fatalf("Activate() error = %v", err)
		}

		err := store.Activate(ctx, 200, configurationID, "dev-1", windowBase.Add(-time.Hour))
		if !errors.Is(err, identity.ErrWindowInverted) {
			t.Errorf("Activate() error = %v, want %v", err, identity.ErrWindowInverted)
		}

		// The failed activation must not have closed the open window.
		mappings, err := store.ListForKey(ctx, configurationID, "dev-1")
		if err != nil {
			t.Fatalf("ListForKey() error = %v", err)
		}

		if len(mappings) != 1 || mappings[0].ValidUntil != nil {
			t.Errorf("open window disturbed by a rejected activation: %+v", mappings)
		}
	}
}

// testActivateConcurrentSameDevice races activations for one external id
// through the advisory lock: all succeed or order themselves, and the final
// state keeps the no-overlap invariant.
func testActivateConcurrentSameDevice(ctx context.Context, store *IdentityStore) func(*testing.T) {
	return func(t *testing.T) {
		const (
			configurationID = 205
			workers         = 6
		)

		var wg sync.WaitGroup

		for i := 0; i < workers; i++ {
			wg.Add(1)

			go func(vehicle int64) {
				defer wg.Done()

				at := windowBase.Add(time.Duration(vehicle) * time.Hour)
				if err := store.Activate(ctx, vehicle, configurationID, "dev-contended", at); err != nil &&
					!errors.Is(err, identity.ErrWindowInverted) {
					t.Errorf("Activate() error = %v", err)
				}
			}(int64(i + 1))
		}

		wg.Wait()

		mappings, err := store.ListForKey(ctx, configurationID, "dev-contended")
		if err != nil {
			t.Fatalf("ListForKey() error = %v", err)
		}

		openCount := 0

		for _, m := range mappings {
			if m.ValidUntil == nil {
				openCount++
			}
		}

		if openCount != 1 {
			t.Errorf("open mappings = %d, want exactly 1", openCount)
		}

		// Pairwise windows must not overlap, whatever order the race settled.
		for i := 0; i < len(mappings); i++ {
			for j := i + 1; j < len(mappings); j++ {
				if mappings[i].Overlaps(mappings[j].ValidFrom, mappings[j].ValidUntil) {
					t.Errorf("windows overlap: %+v and %+v", mappings[i], mappings[j])
				}
			}
		}
	}
}

func testResolveAtPointInTime(ctx context.Context, store *IdentityStore) func(*testing.T) {
	return func(t *testing.T) {
		const configurationID = 206

		swapAt := windowBase.Add(30 * 24 * time.Hour)

		if err := store.Activate(ctx, 100, configurationID, "card-1", windowBase); err != nil {
			t.Fatalf("Activate() error = %v", err)
		}

		if err := store.Activate(ctx, 200, configurationID, "card-1", swapAt); err != nil {
			t.Fatalf("Activate() error = %v", err)
		}

		cases := []struct {
			name      string
			at        time.Time
			vehicleID int64
			found     bool
		}{
			{"before any window", windowBase.Add(-time.Second), 0, false},
			{"first window start is inclusive", windowBase, 100, true},
			{"inside first window", swapAt.Add(-time.Minute), 100, true},
			{"swap instant belongs to the new owner", swapAt, 200, true},
			{"inside open window", swapAt.Add(365 * 24 * time.Hour), 200, true},
		}

		for _, tc := range cases {
			vehicleID, found, err := store.ResolveAt(ctx, "card-1", configurationID, tc.at)
			if err != nil {
				t.Fatalf("ResolveAt(%s) error = %v", tc.name, err)
			}

			if found != tc.found || vehicleID != tc.vehicleID {
				t.Errorf("ResolveAt(%s) = (%d, %v), want (%d, %v)", tc.name, vehicleID, found, tc.vehicleID, tc.found)
			}
		}

		// Another configuration's identical external id is invisible.
		_, found, err := store.ResolveAt(ctx, "card-1", configurationID+1, windowBase)
		if err != nil {
			t.Fatalf("ResolveAt() error = %v", err)
		}

		if found {
			t.Errorf("ResolveAt() crossed configuration scope")
		}
	}
}

func testCreateMappingOverlapGuard(ctx context.Context, store *IdentityStore) func(*testing.T) {
	return func(t *testing.T) {
		const configurationID = 207

		mid := windowBase.Add(10 * 24 * time.Hour)
		until := mid

		first := &identity.Mapping{
			VehicleID:       100,
			ConfigurationID: configurationID,
			ExternalID:      "card-hist",
			ValidFrom:       windowBase,
			ValidUntil:      &until,
			MappedAt:        windowBase,
		}

		if err := store.CreateMapping(ctx, first); err != nil {
			t.Fatalf("CreateMapping() error = %v", err)
		}

		if first.ID == "" {
			t.Errorf("CreateMapping() did not assign an id")
		}

		// Adjacent window: [mid, mid+1d) touches [base, mid) without overlap.
		nextUntil := mid.Add(24 * time.Hour)
		adjacent := &identity.Mapping{
			VehicleID:       200,
			ConfigurationID: configurationID,
			ExternalID:      "card-hist",
			ValidFrom:       mid,
			ValidUntil:      &nextUntil,
			MappedAt:        mid,
		}

		if err := store.CreateMapping(ctx, adjacent); err != nil {
			t.Errorf("CreateMapping() adjacent window rejected: %v", err)
		}

		overlapUntil := mid.Add(time.Hour)
		overlapping := &identity.Mapping{
			VehicleID:       300,
			ConfigurationID: configurationID,
			ExternalID:      "card-hist",
			ValidFrom:       mid.Add(-time.Hour),
			ValidUntil:      &overlapUntil,
			MappedAt:        mid,
		}

		if err := store.CreateMapping(ctx, overlapping); !errors.Is(err, identity.ErrWindowOverlap) {
			t.Errorf("CreateMapping() error = %v, want %v", err, identity.ErrWindowOverlap)
		}
	}
}

// testCreateMappingOpenVehicleGuard verifies a vehicle holds at most one
// open-ended mapping: an explicit open insert for an already-mapped vehicle
// is rejected instead of superseding the existing claim.
func testCreateMappingOpenVehicleGuard(ctx context.Context, store *IdentityStore) func(*testing.T) {
	return func(t *testing.T) {
		const configurationID = 209

		first := &identity.Mapping{
			VehicleID:       100,
			ConfigurationID: configurationID,
			ExternalID:      "dev-a",
			ValidFrom:       windowBase,
			MappedAt:        windowBase,
		}

		if err := store.CreateMapping(ctx, first); err != nil {
			t.Fatalf("CreateMapping() error = %v", err)
		}

		second := &identity.Mapping{
			VehicleID:       100,
			ConfigurationID: configurationID,
			ExternalID:      "dev-b",
			ValidFrom:       windowBase.Add(time.Hour),
			MappedAt:        windowBase,
		}

		if err := store.CreateMapping(ctx, second); !errors.Is(err, identity.ErrVehicleAlreadyMapped) {
			t.Errorf("CreateMapping() error = %v, want %v", err, identity.ErrVehicleAlreadyMapped)
		}

		// The original claim survives the rejected insert.
		open, err := store.OpenForVehicle(ctx, 100, configurationID)
		if err != nil {
			t.Fatalf("OpenForVehicle() error = %v", err)
		}

		if open.ExternalID != "dev-a" {
			t.Errorf("open mapping external id = %v, want dev-a", open.ExternalID)
		}

		// A closed historical window for the same vehicle is still accepted.
		until := windowBase
		historic := &identity.Mapping{
			VehicleID:       100,
			ConfigurationID: configurationID,
			ExternalID:      "dev-b",
			ValidFrom:       windowBase.Add(-24 * time.Hour),
			ValidUntil:      &until,
			MappedAt:        windowBase,
		}

		if err := store.CreateMapping(ctx, historic); err != nil {
			t.Errorf("CreateMapping() closed window rejected: %v", err)
		}
	}
}

// testExcludeConstraintBackstop verifies the btree_gist EXCLUDE constraint
// rejects an overlapping window written directly to the table, bypassing the
// store's application-level guard.
func testExcludeConstraintBackstop(ctx context.Context, store *IdentityStore, conn *Connection) func(*testing.T) {
	return func(t *testing.T) {
		const configurationID = 208

		if err := store.Activate(ctx, 100, configurationID, "dev-raw", windowBase); err != nil {
			t.Fatalf("Activate() error = %v", err)
		}

		_, err := conn.ExecContext(ctx, `
			INSERT INTO identity_mappings (
				id, vehicle_id, configuration_id, external_id, external_label,
				valid_from, valid_until, mapped_at, external_metadata
			) VALUES (
				gen_random_uuid(), 999, $1, 'dev-raw', '',
				$2, NULL, NOW(), '{}'::jsonb
			)
		`, configurationID, windowBase.Add(time.Hour))
		if err == nil {
			t.Fatalf("raw overlapping insert succeeded, want exclusion violation")
		}

		var pqErr *pq.Error
		if !errors.As(err, &pqErr) || pqErr.Code != "23P01" {
			t.Errorf("raw insert error = %v, want SQLSTATE 23P01", err)
		}
	}
}
