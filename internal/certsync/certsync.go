// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package certsync mirrors a PEM bundle of root certificates into Mono's
// directory trust stores. The legacy store holds one DER file per certificate
// named by its SHA-1 thumbprint; the BTLS store holds PEM files named by the
// OpenSSL subject-name hash.
package certsync

import (
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dotandev/cilpatch/internal/errors"
	"github.com/dotandev/cilpatch/internal/logger"
)

// DefaultBundle is the system CA bundle on Debian-style distributions.
const DefaultBundle = "/etc/ssl/certs/ca-certificates.crt"

// StoreID names a trust store.
type StoreID string

const (
	StoreUser       StoreID = "user"
	StoreSystem     StoreID = "system"
	StoreBTLSUser   StoreID = "btls-user"
	StoreBTLSSystem StoreID = "btls-system"
)

// Options selects the target stores. The legacy store of the selected scope
// is required; its BTLS counterpart is synced when its directory is set.
type Options struct {
	// System imports into the system stores instead of the user stores.
	System          bool
	UserStore       string
	SystemStore     string
	BTLSUserStore   string
	BTLSSystemStore string
}

// DefaultOptions returns the Mono trust store locations.
func DefaultOptions() Options {
	opts := Options{
		SystemStore:     "/usr/share/.mono/certs/Trust",
		BTLSSystemStore: "/usr/share/.mono/new-certs/Trust",
	}
	if home, err := os.UserHomeDir(); err == nil {
		opts.UserStore = filepath.Join(home, ".config", ".mono", "certs", "Trust")
		opts.BTLSUserStore = filepath.Join(home, ".config", ".mono", "new-certs", "Trust")
	}
	return opts
}

// storeFormat is the on-disk layout of a trust store.
type storeFormat struct {
	ext    string
	name   func(*x509.Certificate) string
	encode func(*x509.Certificate) []byte
	decode func([]byte) (*x509.Certificate, error)
}

var legacyFormat = storeFormat{
	ext:    ".cer",
	name:   Thumbprint,
	encode: func(c *x509.Certificate) []byte { return c.Raw },
	decode: x509.ParseCertificate,
}

var btlsFormat = storeFormat{
	ext: ".0",
	name: func(c *x509.Certificate) string {
		h, err := SubjectHash(c)
		if err != nil {
			return Thumbprint(c)
		}
		return fmt.Sprintf("%08x", h)
	},
	encode: func(c *x509.Certificate) []byte {
		return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
	},
	decode: func(data []byte) (*x509.Certificate, error) {
		block, _ := pem.Decode(data)
		if block == nil || block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("no PEM certificate")
		}
		return x509.ParseCertificate(block.Bytes)
	},
}

type store struct {
	id     StoreID
	dir    string
	format storeFormat
}

// Result reports the changes made to one store.
type Result struct {
	Store   StoreID
	Dir     string
	Added   []*x509.Certificate
	Removed []*x509.Certificate
}

// Changed reports whether the store was modified.
func (r Result) Changed() bool { return len(r.Added) > 0 || len(r.Removed) > 0 }

// Thumbprint is the upper-case hex SHA-1 of the DER encoding.
func Thumbprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// ImportCertificates syncs the selected store with the certificates in
// bundle. A bundle without certificates leaves the store alone and returns
// no results.
func ImportCertificates(bundle string, opts Options) ([]Result, error) {
	data, err := os.ReadFile(bundle)
	if err != nil {
		return nil, errors.WrapCertSync("failed to read bundle", err)
	}
	roots, err := Decode(data)
	if err != nil {
		return nil, errors.WrapCertSync(bundle, err)
	}
	if len(roots) == 0 {
		logger.Logger.Info("No certificates were found", "bundle", bundle)
		return nil, nil
	}

	stores := []store{
		{StoreUser, opts.UserStore, legacyFormat},
		{StoreBTLSUser, opts.BTLSUserStore, btlsFormat},
	}
	if opts.System {
		stores = []store{
			{StoreSystem, opts.SystemStore, legacyFormat},
			{StoreBTLSSystem, opts.BTLSSystemStore, btlsFormat},
		}
	}
	if stores[0].dir == "" {
		return nil, errors.WrapCertSync(fmt.Sprintf("no directory for %s store", stores[0].id), errors.ErrConfig)
	}

	var results []Result
	for _, st := range stores {
		if st.dir == "" {
			continue
		}
		logger.Logger.Info("Importing certificates", "store", st.id, "dir", st.dir)
		res, err := importToStore(st, roots)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Decode parses every CERTIFICATE block in a PEM bundle. Duplicates are
// dropped; other block types are ignored.
func Decode(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	seen := make(map[string]bool)
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		if tp := Thumbprint(cert); !seen[tp] {
			seen[tp] = true
			certs = append(certs, cert)
		}
	}
	return certs, nil
}

func importToStore(st store, roots []*x509.Certificate) (Result, error) {
	res := Result{Store: st.id, Dir: st.dir}
	if err := os.MkdirAll(st.dir, 0o755); err != nil {
		return res, errors.WrapCertSync("failed to create store", err)
	}

	trusted, err := readStore(st)
	if err != nil {
		return res, err
	}
	logger.Logger.Debug("Trust store loaded", "store", st.id, "trusted", len(trusted), "bundle", len(roots))

	wanted := make(map[string]bool, len(roots))
	for _, root := range roots {
		wanted[Thumbprint(root)] = true
	}

	// Stale certificates go first so a replacement with the same subject
	// hash can take the freed file name.
	stale := make([]string, 0)
	for tp := range trusted {
		if !wanted[tp] {
			stale = append(stale, tp)
		}
	}
	sort.Strings(stale)
	for _, tp := range stale {
		old := trusted[tp]
		if err := os.Remove(filepath.Join(st.dir, old.file)); err != nil {
			return res, errors.WrapCertSync("failed to remove certificate", err)
		}
		res.Removed = append(res.Removed, old.cert)
		logger.Logger.Debug("Certificate removed", "store", st.id, "subject", old.cert.Subject.String())
	}

	for _, root := range roots {
		if _, ok := trusted[Thumbprint(root)]; ok {
			continue
		}
		if err := writeExclusive(filepath.Join(st.dir, st.format.name(root)+st.format.ext), st.format.encode(root)); err != nil {
			logger.Logger.Warn("Could not import certificate", "store", st.id, "subject", root.Subject.String(), "error", err)
			continue
		}
		res.Added = append(res.Added, root)
		logger.Logger.Debug("Certificate added", "store", st.id, "subject", root.Subject.String())
	}

	logger.Logger.Info("Import completed", "store", st.id, "added", len(res.Added), "removed", len(res.Removed))
	return res, nil
}

func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type storedCert struct {
	cert *x509.Certificate
	file string
}

// readStore loads the certificates of a store keyed by thumbprint. Files not
// named the way the store format names them are renamed when the canonical
// name is free.
func readStore(st store) (map[string]storedCert, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, errors.WrapCertSync("failed to read store", err)
	}
	out := make(map[string]storedCert)
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), st.format.ext) {
			continue
		}
		path := filepath.Join(st.dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapCertSync("failed to read certificate", err)
		}
		cert, err := st.format.decode(raw)
		if err != nil {
			logger.Logger.Warn("Ignoring unreadable certificate", "path", path, "error", err)
			continue
		}
		tp := Thumbprint(cert)
		if _, dup := out[tp]; dup {
			continue
		}
		file := e.Name()
		if want := st.format.name(cert) + st.format.ext; !strings.EqualFold(file, want) {
			target := filepath.Join(st.dir, want)
			if _, err := os.Stat(target); os.IsNotExist(err) {
				logger.Logger.Debug("Renaming certificate", "path", path, "to", want)
				if err := os.Rename(path, target); err != nil {
					return nil, errors.WrapCertSync("failed to rename certificate", err)
				}
				file = want
			}
		}
		out[tp] = storedCert{cert: cert, file: file}
	}
	return out, nil
}
