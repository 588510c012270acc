// Package greylist temporarily defers first-time (client IP, sender,
// recipient) triplets, filtering senders that do not retry.
//
// A triplet seen for the first time is soft-rejected until the block
// window has passed. A retry after the window is accepted, and after
// enough accepted deliveries the triplet is auto-whitelisted and no longer
// delayed. Triplets that never completed a retry are purged after the
// unseen lifetime, whitelisted triplets after a separate lifetime.
package greylist

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/bstore"

	"github.com/imyousuf/james-sub012/mlog"
)

var xlog = mlog.New("greylist")

// Triplet is a stored greylist observation.
type Triplet struct {
	ID          int64
	IPMasked    string    `bstore:"nonzero,unique IPMasked+Sender+Recipient"` // /32 for IPv4, /64 for IPv6.
	Sender      string    // Lower-cased address, empty for the null sender.
	Recipient   string    `bstore:"nonzero"`
	First       time.Time `bstore:"nonzero"` // First observation, start of the block window.
	Last        time.Time `bstore:"nonzero"`
	Count       int       // Accepted deliveries.
	Whitelisted bool
}

// DB is an open greylist database with its policy windows.
type DB struct {
	DB *bstore.DB

	BlockWindow       time.Duration // Triplets younger than this are deferred.
	UnseenLifetime    time.Duration // Purge lifetime for triplets that never passed.
	WhitelistLifetime time.Duration // Purge lifetime for whitelisted triplets.
	WhitelistPasses   int           // Accepted deliveries before auto-whitelisting.
}

// Open opens the greylist database at path, creating it when missing.
func Open(path string, blockWindow, unseenLifetime, whitelistLifetime time.Duration, whitelistPasses int) (*DB, error) {
	os.MkdirAll(filepath.Dir(path), 0770)
	db, err := bstore.Open(context.Background(), path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, Triplet{})
	if err != nil {
		return nil, fmt.Errorf("open greylist database: %v", err)
	}
	if whitelistPasses <= 0 {
		whitelistPasses = 1
	}
	return &DB{
		DB:                db,
		BlockWindow:       blockWindow,
		UnseenLifetime:    unseenLifetime,
		WhitelistLifetime: whitelistLifetime,
		WhitelistPasses:   whitelistPasses,
	}, nil
}

func (d *DB) Close() error {
	return d.DB.Close()
}

// maskIP returns the triplet key form of a client IP: full address for
// IPv4, the /64 for IPv6 since hosts come and go within such networks.
func maskIP(ip net.IP) string {
	if ip.To4() != nil {
		return ip.String()
	}
	return ip.Mask(net.CIDRMask(64, 128)).String()
}

// Check records an observation of (ip, sender, recipient) and returns
// whether the delivery may proceed now. False means the client must retry
// later and gets a temporary rejection.
func (d *DB) Check(ctx context.Context, ip net.IP, sender, recipient string, now time.Time) (bool, error) {
	pass := false
	err := d.DB.Write(ctx, func(tx *bstore.Tx) error {
		k := Triplet{IPMasked: maskIP(ip), Sender: sender, Recipient: recipient}
		t, err := bstore.QueryTx[Triplet](tx).FilterEqual("IPMasked", k.IPMasked).FilterEqual("Sender", sender).FilterEqual("Recipient", recipient).Get()
		if err == bstore.ErrAbsent {
			k.First = now
			k.Last = now
			return tx.Insert(&k)
		}
		if err != nil {
			return err
		}

		t.Last = now
		if t.Whitelisted {
			pass = true
			return tx.Update(&t)
		}
		if now.Sub(t.First) < d.BlockWindow {
			// Still within the block window, keep deferring.
			return tx.Update(&t)
		}
		pass = true
		t.Count++
		if t.Count >= d.WhitelistPasses {
			t.Whitelisted = true
		}
		return tx.Update(&t)
	})
	if err != nil {
		return false, fmt.Errorf("greylist check: %v", err)
	}
	return pass, nil
}

// Purge removes triplets that never passed and are older than the unseen
// lifetime, and whitelisted triplets idle beyond the whitelist lifetime.
// Returns the number of removed entries.
func (d *DB) Purge(ctx context.Context, now time.Time) (int, error) {
	var removed int
	err := d.DB.Write(ctx, func(tx *bstore.Tx) error {
		n, err := bstore.QueryTx[Triplet](tx).FilterEqual("Whitelisted", false).FilterEqual("Count", 0).FilterLessEqual("Last", now.Add(-d.UnseenLifetime)).Delete()
		if err != nil {
			return err
		}
		removed += n
		n, err = bstore.QueryTx[Triplet](tx).FilterEqual("Whitelisted", true).FilterLessEqual("Last", now.Add(-d.WhitelistLifetime)).Delete()
		if err != nil {
			return err
		}
		removed += n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("greylist purge: %v", err)
	}
	return removed, nil
}

// List returns all triplets, for inspection by the CLI and tests.
func (d *DB) List(ctx context.Context) ([]Triplet, error) {
	return bstore.QueryDB[Triplet](ctx, d.DB).SortAsc("ID").List()
}

// PeriodicPurge runs Purge once a day until ctx is done.
func (d *DB) PeriodicPurge(ctx context.Context) {
	t := time.NewTicker(24 * time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := d.Purge(ctx, time.Now())
			if err != nil {
				xlog.Errorx("periodic greylist purge", err)
			} else if n > 0 {
				xlog.Info("greylist purge", mlog.Field("removed", n))
			}
		}
	}
}
