// Package caip implements the CAIP-2 blockchain and CAIP-10 account
// identifier formats used to scope session capabilities.
package caip

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	namespacePattern = regexp.MustCompile(`^[-a-z0-9]{3,8}$`)
	referencePattern = regexp.MustCompile(`^[-_a-zA-Z0-9]{1,32}$`)
	addressPattern   = regexp.MustCompile(`^[-.%a-zA-Z0-9]{1,128}$`)
)

var (
	ErrInvalidBlockchain = fmt.Errorf("caip: invalid blockchain identifier")
	ErrInvalidAccount    = fmt.Errorf("caip: invalid account identifier")
)

// Blockchain is a CAIP-2 chain identifier, for example "eip155:1".
type Blockchain struct {
	Namespace string
	Reference string
}

func ParseBlockchain(raw string) (Blockchain, error) {
	raw = strings.TrimSpace(raw)
	parts := strings.Split(raw, ":")
	if len(parts) != 2 {
		return Blockchain{}, fmt.Errorf("%w: %q", ErrInvalidBlockchain, raw)
	}
	chain := Blockchain{Namespace: parts[0], Reference: parts[1]}
	if err := chain.Validate(); err != nil {
		return Blockchain{}, err
	}
	return chain, nil
}

func (b Blockchain) Validate() error {
	if !namespacePattern.MatchString(b.Namespace) {
		return fmt.Errorf("%w: namespace %q", ErrInvalidBlockchain, b.Namespace)
	}
	if !referencePattern.MatchString(b.Reference) {
		return fmt.Errorf("%w: reference %q", ErrInvalidBlockchain, b.Reference)
	}
	return nil
}

func (b Blockchain) String() string {
	return b.Namespace + ":" + b.Reference
}

func (b Blockchain) MarshalJSON() ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(b.String())
}

func (b *Blockchain) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlockchain, err)
	}
	parsed, err := ParseBlockchain(raw)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Account is a CAIP-10 account identifier, for example
// "eip155:1:0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb".
type Account struct {
	Namespace string
	Reference string
	Address   string
}

func ParseAccount(raw string) (Account, error) {
	raw = strings.TrimSpace(raw)
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return Account{}, fmt.Errorf("%w: %q", ErrInvalidAccount, raw)
	}
	account := Account{Namespace: parts[0], Reference: parts[1], Address: parts[2]}
	if err := account.Validate(); err != nil {
		return Account{}, err
	}
	return account, nil
}

// NewAccount builds an account from a parsed chain and a raw address.
func NewAccount(chain Blockchain, address string) (Account, error) {
	account := Account{Namespace: chain.Namespace, Reference: chain.Reference, Address: strings.TrimSpace(address)}
	if err := account.Validate(); err != nil {
		return Account{}, err
	}
	return account, nil
}

func (a Account) Validate() error {
	if err := (Blockchain{Namespace: a.Namespace, Reference: a.Reference}).Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}
	if !addressPattern.MatchString(a.Address) {
		return fmt.Errorf("%w: address %q", ErrInvalidAccount, a.Address)
	}
	return nil
}

// Blockchain returns the CAIP-2 prefix of the account.
func (a Account) Blockchain() Blockchain {
	return Blockchain{Namespace: a.Namespace, Reference: a.Reference}
}

func (a Account) String() string {
	return a.Namespace + ":" + a.Reference + ":" + a.Address
}

func (a Account) MarshalJSON() ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(a.String())
}

func (a *Account) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}
	parsed, err := ParseAccount(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
