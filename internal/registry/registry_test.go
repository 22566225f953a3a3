package registry

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerwatch/internal/errs"
	"ledgerwatch/internal/protocol"
)

type fetcherFunc func(ctx context.Context) (map[string]protocol.RegistryEntry, error)

func (f fetcherFunc) PublicKeys(ctx context.Context) (map[string]protocol.RegistryEntry, error) {
	return f(ctx)
}

func staticFetcher(entries map[string]protocol.RegistryEntry) Fetcher {
	return fetcherFunc(func(context.Context) (map[string]protocol.RegistryEntry, error) {
		return entries, nil
	})
}

func mustNode(t *testing.T, id, key, addr string) Node {
	u, err := url.Parse(addr)
	require.NoError(t, err)
	return Node{ID: id, IdentityKey: key, Address: u}
}

func TestSourceFetch(t *testing.T) {
	src := NewSource(staticFetcher(map[string]protocol.RegistryEntry{
		"10": {PublicKey: "k10", PublicURL: "http://n10:8000"},
		"2":  {PublicKey: "k2", PublicURL: "http://n2:8000"},
	}))

	nodes, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "2", nodes[0].ID)
	assert.Equal(t, "10", nodes[1].ID)
	assert.Equal(t, "n10:8000", nodes[1].Address.Host)
}

func TestSourceRejectsInvalidAddress(t *testing.T) {
	src := NewSource(staticFetcher(map[string]protocol.RegistryEntry{
		"1": {PublicKey: "k1", PublicURL: "http://n1"},
		"2": {PublicKey: "k2", PublicURL: "n2:8000"},
	}))

	_, err := src.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestSourcePropagatesFetchError(t *testing.T) {
	boom := errs.Transient("registry", errors.New("refused"))
	src := NewSource(fetcherFunc(func(context.Context) (map[string]protocol.RegistryEntry, error) {
		return nil, boom
	}))

	_, err := src.Fetch(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestRegistryReplace(t *testing.T) {
	r := New()
	assert.False(t, r.Loaded())

	now := time.Now()
	changed := r.Replace([]Node{mustNode(t, "1", "a", "http://n1"), mustNode(t, "2", "b", "http://n2")}, now)
	require.True(t, changed)
	assert.Equal(t, []string{"1", "2"}, r.IDs())
	v := r.Version()

	changed = r.Replace([]Node{mustNode(t, "2", "b", "http://n2"), mustNode(t, "1", "a", "http://n1")}, now)
	assert.False(t, changed)
	assert.Equal(t, v, r.Version())

	changed = r.Replace([]Node{mustNode(t, "1", "a", "http://n1:9000")}, now)
	assert.True(t, changed)
	assert.Equal(t, []string{"1"}, r.IDs())

	_, ok := r.Lookup("2")
	assert.False(t, ok)
	n, ok := r.Lookup("1")
	require.True(t, ok)
	assert.Equal(t, "n1:9000", n.Address.Host)
}

func TestRegistryEmptySnapshotIsLoaded(t *testing.T) {
	r := New()
	assert.True(t, r.Replace(nil, time.Now()))
	assert.True(t, r.Loaded())
	assert.Empty(t, r.Nodes())
}

func TestShortKey(t *testing.T) {
	assert.Equal(t, "abc", Node{IdentityKey: "abc"}.ShortKey())
	assert.Equal(t, "0123456789...", Node{IdentityKey: "0123456789abcdef"}.ShortKey())
}

func TestLessID(t *testing.T) {
	assert.True(t, LessID("2", "10"))
	assert.True(t, LessID("9", "a"))
	assert.True(t, LessID("a", "b"))
	assert.False(t, LessID("b", "a"))
}
