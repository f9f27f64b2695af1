package wacctmgr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// testCatalog builds a portfolio forest of [a1, Folder{a2, a3}, a4] and an
// empty watched forest.
func testCatalog(t *testing.T) (*Catalog, string) {
	t.Helper()
	c := NewCatalog()
	require.True(t, AddAccount(c, TreePortfolio, "a1"))
	folderID, changed := AddFolder(c, TreePortfolio, "Cold storage", "blue")
	require.True(t, changed)
	require.True(t, AddAccount(c, TreePortfolio, "a2"))
	require.True(t, MoveAccount(c, TreePortfolio, "a2", folderID, ""))
	require.True(t, AddAccount(c, TreePortfolio, "a3"))
	require.True(t, MoveAccount(c, TreePortfolio, "a3", folderID, ""))
	require.True(t, AddAccount(c, TreePortfolio, "a4"))
	return c, folderID
}

// TestAddAccountIdempotent ensures adding an address already present
// anywhere in the catalog reports no change and leaves the catalog deeply
// equal, including addresses nested in folders and addresses in the other
// forest.
func TestAddAccountIdempotent(t *testing.T) {
	c, _ := testCatalog(t)
	require.True(t, AddAccount(c, TreeWatched, "w1"))

	before := *c
	beforeAddrs := c.Addresses()

	// Root-level duplicate.
	require.False(t, AddAccount(c, TreePortfolio, "a1"))
	// Duplicate nested inside a folder.
	require.False(t, AddAccount(c, TreePortfolio, "a2"))
	// Duplicate across forests.
	require.False(t, AddAccount(c, TreePortfolio, "w1"))
	require.False(t, AddAccount(c, TreeWatched, "a1"))

	require.Equal(t, before, *c)
	require.Equal(t, beforeAddrs, c.Addresses())
}

// TestMoveAccountPreservesCount ensures moves never change the number of
// accounts reachable from the catalog, whatever the target.
func TestMoveAccountPreservesCount(t *testing.T) {
	c, folderID := testCatalog(t)
	total := c.AccountCount()

	moves := []struct {
		address  string
		folderID string
		before   string
	}{
		{"a1", folderID, ""},       // root -> folder
		{"a1", "", "a4"},           // folder -> root, before a4
		{"a2", "", ""},             // folder -> root end
		{"a2", folderID, "a3"},     // root -> folder, before a3
		{"a4", "missing", ""},      // stale folder falls back to root
		{"a4", folderID, "ghost"},  // stale anchor falls back to end
		{"a1", folderID, folderID}, // anchor of wrong kind
	}
	for _, mv := range moves {
		require.True(t, MoveAccount(c, TreePortfolio, mv.address,
			mv.folderID, mv.before), "move %+v", mv)
		require.Equal(t, total, c.AccountCount(), "move %+v", mv)
	}

	// Moving an absent account is the only no-op.
	require.False(t, MoveAccount(c, TreePortfolio, "ghost", folderID, ""))
	require.Equal(t, total, c.AccountCount())
}

// TestMoveAccountBeforeAnchor ensures insert-before places the account
// immediately ahead of the anchor when the anchor exists.
func TestMoveAccountBeforeAnchor(t *testing.T) {
	c, folderID := testCatalog(t)

	require.True(t, MoveAccount(c, TreePortfolio, "a4", "", "a1"))
	require.Equal(t, []string{"a4", "a1", "a2", "a3"}, c.Addresses())

	require.True(t, MoveAccount(c, TreePortfolio, "a4", folderID, "a3"))
	require.Equal(t, []string{"a1", "a2", "a4", "a3"}, c.Addresses())
}

// TestRemoveFolderReinsertsChildren ensures deleting a folder reappends its
// children to the root in their prior relative order, and the folder is
// gone.
func TestRemoveFolderReinsertsChildren(t *testing.T) {
	c, folderID := testCatalog(t)

	require.True(t, RemoveFolder(c, TreePortfolio, folderID))

	require.Nil(t, findFolder(c.Portfolio, folderID))
	require.Equal(t, []string{"a1", "a4", "a2", "a3"}, c.Addresses())

	// Unknown folder id is a no-op.
	require.False(t, RemoveFolder(c, TreePortfolio, folderID))
}

// TestRemoveAccount ensures removal works at the root and inside folders,
// and an unknown address is a no-op.
func TestRemoveAccount(t *testing.T) {
	c, _ := testCatalog(t)

	require.True(t, RemoveAccount(c, TreePortfolio, "a1"))
	require.True(t, RemoveAccount(c, TreePortfolio, "a3"))
	require.False(t, RemoveAccount(c, TreePortfolio, "ghost"))
	require.Equal(t, []string{"a2", "a4"}, c.Addresses())
}

// TestHideAccount ensures the hidden flag toggles exactly once per value and
// only applies to root-level accounts.
func TestHideAccount(t *testing.T) {
	c, _ := testCatalog(t)

	require.True(t, HideAccount(c, TreePortfolio, "a1", true))
	require.False(t, HideAccount(c, TreePortfolio, "a1", true))
	require.True(t, HideAccount(c, TreePortfolio, "a1", false))

	// a2 lives inside a folder, so it is not a root-level account.
	require.False(t, HideAccount(c, TreePortfolio, "a2", true))
	require.False(t, HideAccount(c, TreePortfolio, "ghost", true))
}

// TestFolderEdits covers rename, recolor and root-level reorder semantics.
func TestFolderEdits(t *testing.T) {
	c, folderID := testCatalog(t)

	require.True(t, RenameFolder(c, TreePortfolio, folderID, "  Vault  "))
	require.Equal(t, "Vault", findFolder(c.Portfolio, folderID).Name)
	require.False(t, RenameFolder(c, TreePortfolio, folderID, "Vault"))
	require.False(t, RenameFolder(c, TreePortfolio, "ghost", "x"))

	require.True(t, RecolorFolder(c, TreePortfolio, folderID, "red"))
	require.False(t, RecolorFolder(c, TreePortfolio, folderID, "red"))

	require.True(t, MoveFolder(c, TreePortfolio, folderID, "a1"))
	require.NotNil(t, c.Portfolio[0].Folder)
	require.False(t, MoveFolder(c, TreePortfolio, "ghost", "a1"))

	// Stale anchor falls back to the end of the root sequence.
	require.True(t, MoveFolder(c, TreePortfolio, folderID, "ghost"))
	require.NotNil(t, c.Portfolio[len(c.Portfolio)-1].Folder)
}

// TestAddFolderAlwaysChanges ensures folder creation always reports a
// change, trims the name, and generates unique ids, and that empty folders
// are valid.
func TestAddFolderAlwaysChanges(t *testing.T) {
	c := NewCatalog()

	id1, changed := AddFolder(c, TreePortfolio, " Savings ", "")
	require.True(t, changed)
	id2, changed := AddFolder(c, TreePortfolio, " Savings ", "")
	require.True(t, changed)
	require.NotEqual(t, id1, id2)
	require.Equal(t, "Savings", findFolder(c.Portfolio, id1).Name)
	require.Empty(t, findFolder(c.Portfolio, id1).Accounts)
}

// TestSortByCatalogOrder covers the documented stability property: a tree
// [a1, Folder{a2, a3}, a4] applied to input [a4, a3, a2, a1] yields
// [a1, a2, a3, a4], and unknown addresses sort last in original relative
// order.
func TestSortByCatalogOrder(t *testing.T) {
	c, _ := testCatalog(t)

	in := []Descriptor{
		{Address: "a4"}, {Address: "a3"}, {Address: "a2"}, {Address: "a1"},
	}
	out := c.SortByCatalogOrder(in)
	require.Equal(t, []Descriptor{
		{Address: "a1"}, {Address: "a2"}, {Address: "a3"}, {Address: "a4"},
	}, out)

	// Input must be untouched.
	require.Equal(t, "a4", in[0].Address)

	in = []Descriptor{
		{Address: "x2"}, {Address: "a4"}, {Address: "x1"}, {Address: "a1"},
	}
	out = c.SortByCatalogOrder(in)
	require.Equal(t, []Descriptor{
		{Address: "a1"}, {Address: "a4"}, {Address: "x2"}, {Address: "x1"},
	}, out)
}

// TestExecuteMutations covers batch semantics: the changed flag aggregates
// across operations, a pure no-op batch reports false, and malformed
// descriptors abort with ErrInvalidMutation.
func TestExecuteMutations(t *testing.T) {
	c, folderID := testCatalog(t)

	hidden := true
	changed, err := ExecuteMutations(c, []Mutation{
		{Op: OpAddAccount, Tree: TreePortfolio, Address: "a1"}, // no-op
		{Op: OpHideAccount, Tree: TreePortfolio, Address: "a4", Hidden: &hidden},
	})
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = ExecuteMutations(c, []Mutation{
		{Op: OpAddAccount, Tree: TreePortfolio, Address: "a1"},
		{Op: OpRemoveAccount, Tree: TreePortfolio, Address: "ghost"},
		{Op: OpRenameFolder, Tree: TreePortfolio, FolderID: "ghost", Name: "x"},
	})
	require.NoError(t, err)
	require.False(t, changed)

	_, err = ExecuteMutations(c, []Mutation{
		{Op: "frobnicate", Tree: TreePortfolio},
	})
	require.True(t, IsError(err, ErrInvalidMutation))

	_, err = ExecuteMutations(c, []Mutation{
		{Op: OpAddAccount, Tree: "attic", Address: "a9"},
	})
	require.True(t, IsError(err, ErrInvalidMutation))

	_, err = ExecuteMutations(c, []Mutation{
		{Op: OpHideAccount, Tree: TreePortfolio, Address: "a4"},
	})
	require.True(t, IsError(err, ErrInvalidMutation))

	// Batch ops on both forests aggregate into one changed flag.
	changed, err = ExecuteMutations(c, []Mutation{
		{Op: OpAddAccount, Tree: TreeWatched, Address: "w1"},
		{Op: OpMoveAccount, Tree: TreePortfolio, Address: "a2", FolderID: folderID, Before: "a3"},
	})
	require.NoError(t, err)
	require.True(t, changed)
}
