package geo

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	store := NewStore(conn, 50, 50, 75)
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func TestSeedAndLookupStops(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	csvData := "stop_id,stop_name,stop_lat,stop_lon,is_terminal\n" +
		"S1,Plac Bankowy,52.2480,21.0003,false\n"

	n, err := store.SeedStops(ctx, strings.NewReader(csvData))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	near, err := store.NearStop(ctx, 52.2480, 21.0003)
	require.NoError(t, err)
	require.True(t, near)

	far, err := store.NearStop(ctx, 52.3000, 21.2000)
	require.NoError(t, err)
	require.False(t, far)
}

func TestLineHasTerminalAtIsPerLine(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	csvData := "stop_id,stop_name,stop_lat,stop_lon,is_terminal\n" +
		"A,Terminal A,52.1100,21.2000,true\n"
	_, err := store.SeedStops(ctx, strings.NewReader(csvData))
	require.NoError(t, err)
	require.NoError(t, store.SeedLineTerminal(ctx, "25", "A"))

	// S5: terminal for line 25 but not for line 15.
	has25, err := store.LineHasTerminalAt(ctx, "25", 52.1100, 21.2000)
	require.NoError(t, err)
	require.True(t, has25)

	has15, err := store.LineHasTerminalAt(ctx, "15", 52.1100, 21.2000)
	require.NoError(t, err)
	require.False(t, has15)
}

func TestSeedIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	csvData := "stop_id,stop_name,stop_lat,stop_lon,is_terminal\n" +
		"S1,Plac Bankowy,52.2480,21.0003,false\n"

	_, err := store.SeedStops(ctx, strings.NewReader(csvData))
	require.NoError(t, err)
	_, err = store.SeedStops(ctx, strings.NewReader(csvData))
	require.NoError(t, err)

	var count int
	require.NoError(t, store.conn.QueryRow(`SELECT COUNT(*) FROM ref_stops`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestNearestStopNameFailsOpenOnEmptyStore(t *testing.T) {
	store := newTestStore(t)
	name := store.NearestStopName(context.Background(), 52.0, 21.0)
	require.Equal(t, "", name)
}
