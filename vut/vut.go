// Package vut implements the virtual user table: address mappings applied
// to recipients before the final delivery-locality decision.
//
// A mapping for (localpart, domain) has one or more targets: a plain
// address redirect, a "regex:" rewrite, an "error:" explicit rejection, or
// a "domain:" alias-domain redirect. An entry with an empty localpart is a
// wildcard for all addresses in its domain.
package vut

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mjl-/bstore"

	"github.com/imyousuf/james-sub012/dns"
	"github.com/imyousuf/james-sub012/smtp"
)

// Target prefixes.
const (
	prefixError  = "error:"
	prefixRegex  = "regex:"
	prefixDomain = "domain:"
)

// Resolution depth bound; mappings deeper than this are treated as loops.
const maxDepth = 10

// ErrNoMapping indicates no mapping exists for the address. Distinct from
// an explicit "error:" mapping, which resolves to a MappingError.
var ErrNoMapping = errors.New("vut: no mapping")

// ErrLoop indicates a cyclic or too deeply nested mapping.
var ErrLoop = errors.New("vut: mapping loop")

// MappingError is an explicit rejection configured with an "error:" target.
// The message is surfaced to the SMTP client.
type MappingError struct {
	Message string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("vut: address rejected by mapping: %s", e.Message)
}

// Mapping is a stored virtual user table entry.
type Mapping struct {
	ID        int64
	Localpart string    `bstore:"unique Localpart+Domain"` // Empty is a wildcard for the domain.
	Domain    string    `bstore:"nonzero"`                 // ASCII form.
	Targets   []string  `bstore:"nonzero"`
	Created   time.Time `bstore:"nonzero"`
}

// VUT is an open virtual user table database.
type VUT struct {
	DB *bstore.DB
}

// Open opens the virtual user table database at path, creating it when missing.
func Open(path string) (*VUT, error) {
	os.MkdirAll(filepath.Dir(path), 0770)
	db, err := bstore.Open(context.Background(), path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, Mapping{})
	if err != nil {
		return nil, fmt.Errorf("open vut database: %v", err)
	}
	return &VUT{DB: db}, nil
}

func (v *VUT) Close() error {
	return v.DB.Close()
}

// Add stores a mapping for (localpart, domain), replacing an existing one.
// An empty localpart makes the entry a wildcard for the whole domain.
func (v *VUT) Add(ctx context.Context, localpart string, domain dns.Domain, targets ...string) error {
	if len(targets) == 0 {
		return fmt.Errorf("vut: at least one target required")
	}
	for _, tgt := range targets {
		if err := checkTarget(tgt); err != nil {
			return err
		}
	}
	return v.DB.Write(ctx, func(tx *bstore.Tx) error {
		m, err := bstore.QueryTx[Mapping](tx).FilterEqual("Localpart", localpart).FilterEqual("Domain", domain.ASCII).Get()
		if err != nil && err != bstore.ErrAbsent {
			return err
		}
		if err == nil {
			m.Targets = targets
			return tx.Update(&m)
		}
		return tx.Insert(&Mapping{Localpart: localpart, Domain: domain.ASCII, Targets: targets, Created: time.Now()})
	})
}

func checkTarget(tgt string) error {
	switch {
	case strings.HasPrefix(tgt, prefixError):
		if strings.TrimSpace(strings.TrimPrefix(tgt, prefixError)) == "" {
			return fmt.Errorf("vut: error target needs a message")
		}
	case strings.HasPrefix(tgt, prefixRegex):
		pattern, _, err := splitRegexTarget(tgt)
		if err != nil {
			return err
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("vut: bad regex target %q: %v", tgt, err)
		}
	case strings.HasPrefix(tgt, prefixDomain):
		if _, err := dns.ParseDomain(strings.TrimPrefix(tgt, prefixDomain)); err != nil {
			return fmt.Errorf("vut: bad domain target %q: %v", tgt, err)
		}
	default:
		if _, err := smtp.ParseAddress(tgt); err != nil {
			return fmt.Errorf("vut: bad address target %q: %v", tgt, err)
		}
	}
	return nil
}

// splitRegexTarget splits "regex:<pattern>:<replacement>".
func splitRegexTarget(tgt string) (pattern, repl string, err error) {
	s := strings.TrimPrefix(tgt, prefixRegex)
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return "", "", fmt.Errorf("vut: regex target %q must be regex:<pattern>:<replacement>", tgt)
	}
	return s[:i], s[i+1:], nil
}

// Remove deletes the mapping for (localpart, domain).
func (v *VUT) Remove(ctx context.Context, localpart string, domain dns.Domain) error {
	n, err := bstore.QueryDB[Mapping](ctx, v.DB).FilterEqual("Localpart", localpart).FilterEqual("Domain", domain.ASCII).Delete()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoMapping
	}
	return nil
}

// List returns all mappings.
func (v *VUT) List(ctx context.Context) ([]Mapping, error) {
	return bstore.QueryDB[Mapping](ctx, v.DB).SortAsc("Domain", "Localpart").List()
}

// lookup returns the targets for addr: an exact (localpart, domain) entry
// wins over a wildcard entry for the domain.
func (v *VUT) lookup(ctx context.Context, addr smtp.Address) ([]string, bool, error) {
	m, err := bstore.QueryDB[Mapping](ctx, v.DB).FilterEqual("Localpart", string(addr.Localpart)).FilterEqual("Domain", addr.Domain.ASCII).Get()
	if err == nil {
		return m.Targets, true, nil
	}
	if err != bstore.ErrAbsent {
		return nil, false, err
	}
	if addr.Localpart != "" {
		m, err = bstore.QueryDB[Mapping](ctx, v.DB).FilterEqual("Localpart", "").FilterEqual("Domain", addr.Domain.ASCII).Get()
		if err == nil {
			return m.Targets, true, nil
		}
		if err != bstore.ErrAbsent {
			return nil, false, err
		}
	}
	return nil, false, nil
}

// Resolve follows mappings for addr until terminal addresses remain.
// Returns ErrNoMapping if addr has no mapping at all, a MappingError if an
// "error:" target is reached, and ErrLoop for cyclic mappings.
func (v *VUT) Resolve(ctx context.Context, addr smtp.Address) ([]smtp.Address, error) {
	var out []smtp.Address
	seen := map[string]bool{}
	if err := v.resolve(ctx, addr, seen, 0, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (v *VUT) resolve(ctx context.Context, addr smtp.Address, seen map[string]bool, depth int, out *[]smtp.Address) error {
	if depth > maxDepth {
		return ErrLoop
	}
	// Loop detection is per resolution path: the same address reached via
	// two sibling mappings is a harmless diamond, not a cycle.
	key := strings.ToLower(addr.Pack(false))
	if seen[key] {
		return ErrLoop
	}
	seen[key] = true
	defer delete(seen, key)

	targets, ok, err := v.lookup(ctx, addr)
	if err != nil {
		return err
	}
	if !ok {
		if depth == 0 {
			return ErrNoMapping
		}
		// Terminal address.
		*out = append(*out, addr)
		return nil
	}

	for _, tgt := range targets {
		switch {
		case strings.HasPrefix(tgt, prefixError):
			return &MappingError{Message: strings.TrimSpace(strings.TrimPrefix(tgt, prefixError))}

		case strings.HasPrefix(tgt, prefixRegex):
			pattern, repl, err := splitRegexTarget(tgt)
			if err != nil {
				return err
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return fmt.Errorf("vut: compiling regex mapping: %v", err)
			}
			s := addr.Pack(false)
			if !re.MatchString(s) {
				// Pattern does not apply, address passes through unchanged.
				*out = append(*out, addr)
				continue
			}
			naddr, err := smtp.ParseAddress(re.ReplaceAllString(s, repl))
			if err != nil {
				return fmt.Errorf("vut: regex mapping produced invalid address: %v", err)
			}
			if err := v.resolve(ctx, naddr, seen, depth+1, out); err != nil {
				return err
			}

		case strings.HasPrefix(tgt, prefixDomain):
			d, err := dns.ParseDomain(strings.TrimPrefix(tgt, prefixDomain))
			if err != nil {
				return fmt.Errorf("vut: bad domain mapping: %v", err)
			}
			if err := v.resolve(ctx, smtp.Address{Localpart: addr.Localpart, Domain: d}, seen, depth+1, out); err != nil {
				return err
			}

		default:
			naddr, err := smtp.ParseAddress(tgt)
			if err != nil {
				return fmt.Errorf("vut: bad address mapping: %v", err)
			}
			if err := v.resolve(ctx, naddr, seen, depth+1, out); err != nil {
				return err
			}
		}
	}
	return nil
}
