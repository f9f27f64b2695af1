package wacctmgr

import "fmt"

// The structural operations below are synchronous pure functions over an
// in-memory catalog.  Each returns a changed flag; the caller is responsible
// for the read-modify-write-if-changed cycle against the mutation store
// (see Manager).  Expected no-ops report changed=false rather than erroring,
// so a batch referencing stale state degrades instead of failing.

// AddAccount appends a new account at the end of the named forest's root
// sequence.  It is a no-op when the address already exists anywhere in the
// catalog, across both forests and all folders.
func AddAccount(c *Catalog, name TreeName, address string) bool {
	tree := c.tree(name)
	if tree == nil || address == "" {
		return false
	}
	if c.ContainsAddress(address) {
		return false
	}
	*tree = append(*tree, Item{Account: &Account{Address: address}})
	return true
}

// RemoveAccount removes the account from wherever it is found in the named
// forest, at the root or inside any folder.  Sequences are scanned right to
// left so in-place index removal stays safe even if an address were,
// defensively, present more than once.
func RemoveAccount(c *Catalog, name TreeName, address string) bool {
	tree := c.tree(name)
	if tree == nil {
		return false
	}
	changed := false
	for i := len(*tree) - 1; i >= 0; i-- {
		it := &(*tree)[i]
		if it.Account != nil && it.Account.Address == address {
			*tree = append((*tree)[:i], (*tree)[i+1:]...)
			changed = true
			continue
		}
		if it.Folder == nil {
			continue
		}
		accts := it.Folder.Accounts
		for j := len(accts) - 1; j >= 0; j-- {
			if accts[j].Address == address {
				accts = append(accts[:j], accts[j+1:]...)
				changed = true
			}
		}
		it.Folder.Accounts = accts
	}
	return changed
}

// takeAccount removes and returns the first occurrence of the account in the
// forest, searching root items and folder children in order.
func takeAccount(tree *Tree, address string) (Account, bool) {
	for i := range *tree {
		it := &(*tree)[i]
		if it.Account != nil && it.Account.Address == address {
			acct := *it.Account
			*tree = append((*tree)[:i], (*tree)[i+1:]...)
			return acct, true
		}
		if it.Folder == nil {
			continue
		}
		for j, acct := range it.Folder.Accounts {
			if acct.Address == address {
				it.Folder.Accounts = append(
					it.Folder.Accounts[:j],
					it.Folder.Accounts[j+1:]...)
				return acct, true
			}
		}
	}
	return Account{}, false
}

// findFolder returns the folder with the given id in the forest, or nil.
func findFolder(tree Tree, folderID string) *Folder {
	for i := range tree {
		if tree[i].Folder != nil && tree[i].Folder.ID == folderID {
			return tree[i].Folder
		}
	}
	return nil
}

// insertItemBefore inserts item into the root sequence immediately before
// the item whose address or folder id matches before.  When the anchor is
// empty or cannot be located the item is appended at the end; a stale anchor
// must never fail the caller's batch.
func insertItemBefore(tree *Tree, item Item, before string) {
	if before != "" {
		for i := range *tree {
			if (*tree)[i].anchorID() == before {
				*tree = append(*tree, Item{})
				copy((*tree)[i+1:], (*tree)[i:])
				(*tree)[i] = item
				return
			}
		}
	}
	*tree = append(*tree, item)
}

// insertAccountBefore inserts the account into a folder's sequence
// immediately before the account whose address matches before, with the same
// append fallback as insertItemBefore.
func insertAccountBefore(accts *[]Account, acct Account, before string) {
	if before != "" {
		for i := range *accts {
			if (*accts)[i].Address == before {
				*accts = append(*accts, Account{})
				copy((*accts)[i+1:], (*accts)[i:])
				(*accts)[i] = acct
				return
			}
		}
	}
	*accts = append(*accts, acct)
}

// MoveAccount removes the account from its current location in the named
// forest and re-inserts it inside the folder named by folderID when that
// folder exists, else into the root sequence.  The insertion position is
// immediately before the item identified by before when given and found,
// else the end of the target sequence.  A no-op is reported only when the
// source account cannot be found at all.
func MoveAccount(c *Catalog, name TreeName, address, folderID, before string) bool {
	tree := c.tree(name)
	if tree == nil {
		return false
	}
	acct, ok := takeAccount(tree, address)
	if !ok {
		return false
	}
	if folderID != "" {
		if folder := findFolder(*tree, folderID); folder != nil {
			insertAccountBefore(&folder.Accounts, acct, before)
			return true
		}
	}
	insertItemBefore(tree, Item{Account: &acct}, before)
	return true
}

// HideAccount sets the hidden display flag on a root-level account of the
// named forest.  It is a no-op when the account is not found at the root or
// the flag already has the requested value.
func HideAccount(c *Catalog, name TreeName, address string, hidden bool) bool {
	tree := c.tree(name)
	if tree == nil {
		return false
	}
	for i := range *tree {
		acct := (*tree)[i].Account
		if acct == nil || acct.Address != address {
			continue
		}
		if acct.Hidden == hidden {
			return false
		}
		acct.Hidden = hidden
		return true
	}
	return false
}

// AddFolder creates a new folder with a freshly generated unique id and the
// trimmed name, appended to the end of the named forest's root sequence.  It
// always reports changed=true and returns the new folder's id.
func AddFolder(c *Catalog, name TreeName, folderName, color string) (string, bool) {
	tree := c.tree(name)
	if tree == nil {
		return "", false
	}
	folder := &Folder{
		ID:       newFolderID(),
		Name:     normalizeFolderName(folderName),
		Color:    color,
		Accounts: []Account{},
	}
	*tree = append(*tree, Item{Folder: folder})
	return folder.ID, true
}

// RenameFolder sets the trimmed name on the folder with the given id.  It is
// a no-op when the folder is not found or already has the requested name.
func RenameFolder(c *Catalog, name TreeName, folderID, folderName string) bool {
	tree := c.tree(name)
	if tree == nil {
		return false
	}
	folder := findFolder(*tree, folderID)
	if folder == nil {
		return false
	}
	trimmed := normalizeFolderName(folderName)
	if folder.Name == trimmed {
		return false
	}
	folder.Name = trimmed
	return true
}

// RecolorFolder sets the color on the folder with the given id.  It is a
// no-op when the folder is not found or already has the requested color.
func RecolorFolder(c *Catalog, name TreeName, folderID, color string) bool {
	tree := c.tree(name)
	if tree == nil {
		return false
	}
	folder := findFolder(*tree, folderID)
	if folder == nil {
		return false
	}
	if folder.Color == color {
		return false
	}
	folder.Color = color
	return true
}

// MoveFolder moves the folder with the given id within the named forest's
// root sequence, with the same before/fallback semantics as MoveAccount.
// Folders cannot nest, so this is a root-level reorder only.
func MoveFolder(c *Catalog, name TreeName, folderID, before string) bool {
	tree := c.tree(name)
	if tree == nil {
		return false
	}
	for i := range *tree {
		if (*tree)[i].Folder == nil || (*tree)[i].Folder.ID != folderID {
			continue
		}
		item := (*tree)[i]
		*tree = append((*tree)[:i], (*tree)[i+1:]...)
		insertItemBefore(tree, item, before)
		return true
	}
	return false
}

// RemoveFolder deletes the folder with the given id from the named forest
// and re-inserts each of its child accounts back into the root sequence in
// their prior relative order, appended at the end.  It is a no-op when the
// folder is not found.
func RemoveFolder(c *Catalog, name TreeName, folderID string) bool {
	tree := c.tree(name)
	if tree == nil {
		return false
	}
	for i := range *tree {
		folder := (*tree)[i].Folder
		if folder == nil || folder.ID != folderID {
			continue
		}
		orphans := folder.Accounts
		*tree = append((*tree)[:i], (*tree)[i+1:]...)
		for _, acct := range orphans {
			acct := acct
			*tree = append(*tree, Item{Account: &acct})
		}
		return true
	}
	return false
}

// MutationOp names a primitive structural operation in a batch descriptor.
type MutationOp string

// The batchable operations.
const (
	OpAddAccount    MutationOp = "addAccount"
	OpRemoveAccount MutationOp = "removeAccount"
	OpMoveAccount   MutationOp = "moveAccount"
	OpHideAccount   MutationOp = "hideAccount"
	OpAddFolder     MutationOp = "addFolder"
	OpRenameFolder  MutationOp = "renameFolder"
	OpRecolorFolder MutationOp = "recolorFolder"
	OpMoveFolder    MutationOp = "moveFolder"
	OpRemoveFolder  MutationOp = "removeFolder"
)

// Mutation is one primitive operation of a batch, targeting one named
// forest.  Which fields are consulted depends on Op.
type Mutation struct {
	Op       MutationOp `json:"op"`
	Tree     TreeName   `json:"tree"`
	Address  string     `json:"address,omitempty"`
	FolderID string     `json:"folderId,omitempty"`
	Before   string     `json:"before,omitempty"`
	Name     string     `json:"name,omitempty"`
	Color    string     `json:"color,omitempty"`
	Hidden   *bool      `json:"hidden,omitempty"`
}

// applyMutation applies a single mutation descriptor to the catalog.
// Malformed descriptors are programmer errors and return
// ErrInvalidMutation; expected no-ops simply report changed=false.
func applyMutation(c *Catalog, m Mutation) (bool, error) {
	if !m.Tree.valid() {
		return false, managerError(ErrInvalidMutation,
			fmt.Sprintf("unknown tree %q", m.Tree), nil)
	}
	switch m.Op {
	case OpAddAccount:
		return AddAccount(c, m.Tree, m.Address), nil
	case OpRemoveAccount:
		return RemoveAccount(c, m.Tree, m.Address), nil
	case OpMoveAccount:
		return MoveAccount(c, m.Tree, m.Address, m.FolderID, m.Before), nil
	case OpHideAccount:
		if m.Hidden == nil {
			return false, managerError(ErrInvalidMutation,
				"hideAccount requires a hidden value", nil)
		}
		return HideAccount(c, m.Tree, m.Address, *m.Hidden), nil
	case OpAddFolder:
		_, changed := AddFolder(c, m.Tree, m.Name, m.Color)
		return changed, nil
	case OpRenameFolder:
		return RenameFolder(c, m.Tree, m.FolderID, m.Name), nil
	case OpRecolorFolder:
		return RecolorFolder(c, m.Tree, m.FolderID, m.Color), nil
	case OpMoveFolder:
		return MoveFolder(c, m.Tree, m.FolderID, m.Before), nil
	case OpRemoveFolder:
		return RemoveFolder(c, m.Tree, m.FolderID), nil
	}
	return false, managerError(ErrInvalidMutation,
		fmt.Sprintf("unknown mutation op %q", m.Op), nil)
}

// ExecuteMutations applies an ordered batch of primitive operations against
// the catalog and reports whether any of them mutated state, so the caller
// can skip persistence entirely for a no-op batch.  A malformed descriptor
// aborts the batch with an error; the caller must discard the catalog copy
// in that case.
func ExecuteMutations(c *Catalog, muts []Mutation) (bool, error) {
	changed := false
	for _, m := range muts {
		mutChanged, err := applyMutation(c, m)
		if err != nil {
			return false, err
		}
		changed = changed || mutChanged
	}
	return changed, nil
}
