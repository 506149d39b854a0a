package sqlstore

import (
	"testing"

	"github.com/pliu/chattysync/internal/store"
	"github.com/stretchr/testify/require"
)

var testStore *SQLStore

func SetupTestDB(t *testing.T) {
	var err error
	testStore, err = New(":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
}

func TeardownTestDB() {
	testStore.Close()
}

func TestPutGet(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	require.NoError(t, testStore.Put("credential", []byte("v1")))
	got, err := testStore.Get("credential")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	require.NoError(t, testStore.Put("credential", []byte("v2")))
	got, err = testStore.Get("credential")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}

func TestGetMissing(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	_, err := testStore.Get("nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDelete(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	require.NoError(t, testStore.Put("credential", []byte("v1")))
	require.NoError(t, testStore.Delete("credential"))
	_, err := testStore.Get("credential")
	require.ErrorIs(t, err, store.ErrNotFound)

	// deleting twice is not an error
	require.NoError(t, testStore.Delete("credential"))
}
