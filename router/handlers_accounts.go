package router

import (
	"encoding/json"

	"github.com/keyfold/keyfold/transport"
	"github.com/keyfold/keyfold/wacctmgr"
)

type addressResult struct {
	Address string `json:"address"`
}

type accountListResult struct {
	Addresses []string `json:"addresses"`
}

type catalogMutatePayload struct {
	Mutations []wacctmgr.Mutation `json:"mutations"`
}

type catalogMutateResult struct {
	Changed bool              `json:"changed"`
	Catalog *wacctmgr.Catalog `json:"catalog"`
}

type sortPayload struct {
	Descriptors []wacctmgr.Descriptor `json:"descriptors"`
}

type sortResult struct {
	Descriptors []wacctmgr.Descriptor `json:"descriptors"`
}

// accountsList returns account addresses in catalog order.  A trusted UI
// caller sees everything; a page caller needs a general grant and only sees
// addresses not hidden from display.
func (r *Router) accountsList(ctx *callCtx) (interface{}, error) {
	catalog, err := r.cfg.Wallet.Accounts().Catalog()
	if err != nil {
		return nil, err
	}
	if ctx.channel.Domain() == transport.DomainUI {
		addrs := catalog.Addresses()
		if addrs == nil {
			addrs = []string{}
		}
		return accountListResult{Addresses: addrs}, nil
	}

	if !r.cfg.Wallet.Sites().IsGenerallyAuthorized(ctx.origin()) {
		return nil, errUnauthorized
	}
	return accountListResult{Addresses: visibleAddresses(catalog)}, nil
}

// visibleAddresses walks both forests in catalog order, skipping accounts
// marked hidden.
func visibleAddresses(c *wacctmgr.Catalog) []string {
	out := []string{}
	for _, tree := range []wacctmgr.Tree{c.Portfolio, c.Watched} {
		for i := range tree {
			it := &tree[i]
			if it.Account != nil {
				if !it.Account.Hidden {
					out = append(out, it.Account.Address)
				}
				continue
			}
			if it.Folder != nil {
				for _, acct := range it.Folder.Accounts {
					if !acct.Hidden {
						out = append(out, acct.Address)
					}
				}
			}
		}
	}
	return out
}

// accountsCreate generates a fresh key and appends it to the portfolio
// forest.
func (r *Router) accountsCreate(ctx *callCtx) (interface{}, error) {
	address, err := r.cfg.Wallet.CreateAccount()
	if err != nil {
		return nil, err
	}
	return addressResult{Address: address}, nil
}

// accountsBalances fetches every account's balance from the chain backend
// and returns the rows in catalog display order.
func (r *Router) accountsBalances(ctx *callCtx) (interface{}, error) {
	descs, err := r.cfg.Wallet.SortedBalances()
	if err != nil {
		return nil, err
	}
	return sortResult{Descriptors: descs}, nil
}

// accountsSorted re-orders caller-supplied descriptors by the persisted
// catalog order, unknown addresses last.
func (r *Router) accountsSorted(ctx *callCtx) (interface{}, error) {
	var payload sortPayload
	if err := ctx.payload(&payload); err != nil {
		return nil, err
	}
	catalog, err := r.cfg.Wallet.Accounts().Catalog()
	if err != nil {
		return nil, err
	}
	return sortResult{
		Descriptors: catalog.SortByCatalogOrder(payload.Descriptors),
	}, nil
}

// catalogGet returns the full persisted catalog.
func (r *Router) catalogGet(ctx *callCtx) (interface{}, error) {
	return r.cfg.Wallet.Accounts().Catalog()
}

// catalogMutate applies an ordered mutation batch atomically and returns
// the post-batch catalog with its changed flag.
func (r *Router) catalogMutate(ctx *callCtx) (interface{}, error) {
	var payload catalogMutatePayload
	if err := ctx.payload(&payload); err != nil {
		return nil, err
	}
	changed, catalog, err := r.cfg.Wallet.Accounts().Execute(payload.Mutations)
	if err != nil {
		return nil, err
	}
	return catalogMutateResult{Changed: changed, Catalog: catalog}, nil
}

// catalogSubscribe answers with the current catalog and registers a push
// stream delivering every post-write catalog under the envelope id, until
// the caller unsubscribes or disconnects.
func (r *Router) catalogSubscribe(ctx *callCtx) (interface{}, error) {
	catalog, err := r.cfg.Wallet.Accounts().Catalog()
	if err != nil {
		return nil, err
	}

	updates, cancelWatch := r.cfg.Wallet.Accounts().Watch()
	stop := make(chan struct{})
	r.addSubscription(ctx.channel, ctx.env.ID, func() {
		cancelWatch()
		close(stop)
	})

	ch, envID := ctx.channel, ctx.env.ID
	go func() {
		for {
			select {
			case raw, ok := <-updates:
				if !ok {
					return
				}
				r.push(ch, envID, json.RawMessage(raw))
			case <-stop:
				return
			case <-ch.Done():
				return
			}
		}
	}()

	return catalog, nil
}
