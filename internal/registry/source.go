package registry

import (
	"context"
	"fmt"
	"net/url"

	"ledgerwatch/internal/errs"
	"ledgerwatch/internal/protocol"
)

// Node is one registered cluster member
type Node struct {
	ID          string
	IdentityKey string
	Address     *url.URL
}

// ShortKey returns the identity key truncated for display
func (n Node) ShortKey() string {
	if len(n.IdentityKey) <= shortKeyLength {
		return n.IdentityKey
	}
	return n.IdentityKey[:shortKeyLength] + "..."
}

// Fetcher retrieves the raw registry from the coordinator
type Fetcher interface {
	PublicKeys(ctx context.Context) (map[string]protocol.RegistryEntry, error)
}

// Source turns the coordinator's registry into validated node records
type Source struct {
	fetcher Fetcher
}

// NewSource creates a registry source
func NewSource(fetcher Fetcher) *Source {
	return &Source{fetcher: fetcher}
}

// Fetch retrieves the node registry. Any invalid entry rejects the whole
// snapshot.
func (s *Source) Fetch(ctx context.Context) ([]Node, error) {
	entries, err := s.fetcher.PublicKeys(ctx)
	if err != nil {
		return nil, err
	}

	nodes := make([]Node, 0, len(entries))
	for id, entry := range entries {
		addr, err := parseAddress(entry.PublicURL)
		if err != nil {
			return nil, errs.New(errs.KindValidation, "registry",
				fmt.Sprintf("node %s has an invalid public_url", id), err)
		}
		nodes = append(nodes, Node{
			ID:          id,
			IdentityKey: entry.PublicKey,
			Address:     addr,
		})
	}
	SortNodes(nodes)
	return nodes, nil
}

func parseAddress(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host")
	}
	return u, nil
}
