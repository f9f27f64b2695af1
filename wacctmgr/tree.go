// Package wacctmgr maintains the canonical ordering and grouping of wallet
// accounts independent of the order the accounts were created in.  Accounts
// live in two ordered forests, portfolio and watched, either directly at the
// root or inside single-level folders.  Every structural edit reports a
// changed flag so callers can skip persistence for no-op batches.
package wacctmgr

import (
	"crypto/rand"
	"strings"

	"github.com/oklog/ulid/v2"
)

// TreeName names one of the two account forests.
type TreeName string

// The two account forests.  Portfolio holds accounts the wallet owns keys
// for; Watched holds accounts tracked for balance display only.
const (
	TreePortfolio TreeName = "portfolio"
	TreeWatched   TreeName = "watched"
)

// valid returns whether the tree name is one of the two known forests.
func (n TreeName) valid() bool {
	return n == TreePortfolio || n == TreeWatched
}

// Account is a leaf of a forest.  An address appears at most once across the
// union of both forests and all folders.
type Account struct {
	Address string `json:"address"`
	Hidden  bool   `json:"hidden,omitempty"`
}

// Folder is a named, colored, ordered group of accounts.  Folders are
// exactly one level deep and may be empty; an empty folder is valid and is
// never auto-deleted.
type Folder struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Color    string    `json:"color,omitempty"`
	Accounts []Account `json:"accounts"`
}

// Item is a tagged union of the two root-level item kinds.  Exactly one of
// Account or Folder is non-nil.
type Item struct {
	Account *Account `json:"account,omitempty"`
	Folder  *Folder  `json:"folder,omitempty"`
}

// anchorID returns the identifier a move anchor is matched against: the
// address for accounts, the folder id for folders.
func (it *Item) anchorID() string {
	switch {
	case it.Account != nil:
		return it.Account.Address
	case it.Folder != nil:
		return it.Folder.ID
	}
	return ""
}

// Tree is the ordered root sequence of one forest.  Order is the
// user-visible display order.
type Tree []Item

// Catalog holds both forests.  It is the unit of persistence: the whole
// catalog is read, mutated and written back as one logical step.
type Catalog struct {
	Portfolio Tree `json:"portfolio"`
	Watched   Tree `json:"watched"`
}

// NewCatalog returns an empty catalog with both forests initialized.
func NewCatalog() *Catalog {
	return &Catalog{Portfolio: Tree{}, Watched: Tree{}}
}

// tree returns a pointer to the named forest, or nil for an unknown name.
func (c *Catalog) tree(name TreeName) *Tree {
	switch name {
	case TreePortfolio:
		return &c.Portfolio
	case TreeWatched:
		return &c.Watched
	}
	return nil
}

// ContainsAddress reports whether the address appears anywhere in the
// catalog, at the root of either forest or inside any folder.
func (c *Catalog) ContainsAddress(address string) bool {
	for _, tree := range []Tree{c.Portfolio, c.Watched} {
		for i := range tree {
			it := &tree[i]
			if it.Account != nil && it.Account.Address == address {
				return true
			}
			if it.Folder != nil {
				for _, acct := range it.Folder.Accounts {
					if acct.Address == address {
						return true
					}
				}
			}
		}
	}
	return false
}

// Addresses returns every address in the catalog in depth-first catalog
// order: root items of the portfolio forest in order, folder children in
// order, then the watched forest.
func (c *Catalog) Addresses() []string {
	var out []string
	for _, tree := range []Tree{c.Portfolio, c.Watched} {
		for i := range tree {
			it := &tree[i]
			if it.Account != nil {
				out = append(out, it.Account.Address)
				continue
			}
			if it.Folder != nil {
				for _, acct := range it.Folder.Accounts {
					out = append(out, acct.Address)
				}
			}
		}
	}
	return out
}

// AccountCount returns the total number of accounts reachable from both
// forests, root items and folder children included.
func (c *Catalog) AccountCount() int {
	return len(c.Addresses())
}

// newFolderID generates a fresh unique folder id.
func newFolderID() string {
	return "folder-" + ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// normalizeFolderName trims surrounding whitespace from a requested folder
// name.
func normalizeFolderName(name string) string {
	return strings.TrimSpace(name)
}
