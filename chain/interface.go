package chain

// NetworkInfo describes a chain network as reported by its RPC endpoint.
// It is what a network-registration approval shows the user.
type NetworkInfo struct {
	ChainID string `json:"chainId"`
	Name    string `json:"name"`
	RPCURL  string `json:"rpcUrl"`
}

// Interface allows more than one backing blockchain source, as long as we
// write a driver for it.  The daemon consumes balances, broadcasting and
// network probing through this interface only; it never sees chain-specific
// transaction formats.
type Interface interface {
	Start() error
	Stop()
	WaitForShutdown()

	// FetchBalance requests the confirmed balance of an address in the
	// chain's base unit.
	FetchBalance(address string) (uint64, error)

	// Broadcast submits a signed raw transaction and returns the
	// backend's identifier for it.
	Broadcast(rawTx []byte) (string, error)

	// ProbeNetwork queries an RPC endpoint for its network identity,
	// used to validate a network-registration request before the user
	// approves it.
	ProbeNetwork(rpcURL string) (*NetworkInfo, error)

	// Notifications returns the backend event stream.  See the
	// notification types below.
	Notifications() <-chan interface{}

	// BackEnd returns the name of the driver.
	BackEnd() string
}

// Notification types.  These are defined here and processed from reading a
// notification channel to avoid handling them directly in client callbacks,
// which isn't very Go-like and doesn't allow blocking client calls.
type (
	// ClientConnected is a notification for when a client connection is
	// opened or reestablished to the chain server.
	ClientConnected struct{}

	// BalanceChanged is a notification that the confirmed balance of a
	// watched address changed.
	BalanceChanged struct {
		Address string
		Balance uint64
	}
)
