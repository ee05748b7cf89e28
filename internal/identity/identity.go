package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"

	"github.com/MarcoPoloResearchLab/backchannel/internal/store"
)

var errMissingStore = errors.New("store is required")

var adjectives = []string{
	"Brisk", "Calm", "Clever", "Cosmic", "Cozy", "Curious",
	"Dapper", "Electric", "Gentle", "Golden", "Mellow", "Neon",
	"Nimble", "Quiet", "Sunny", "Velvet", "Wild", "Witty",
}

var creatures = []string{
	"Otter", "Fox", "Raven", "Lynx", "Panda", "Koala",
	"Tiger", "Falcon", "Dolphin", "Badger", "Hedgehog", "Capybara",
	"Chameleon", "Kestrel", "Octopus", "Seahorse",
}

// Profile is this client's persisted identity: an opaque client id not tied
// to any account, plus a display name.
type Profile struct {
	CID  string
	Name string
}

// Load returns the stored profile, minting and persisting a fresh client id
// and a generated display name on first use.
func Load(st *store.Store) (Profile, error) {
	if st == nil {
		return Profile{}, errMissingStore
	}

	var cid string
	if !st.Load(store.KeyClientID, &cid) || cid == "" {
		cid = uuid.NewString()
		if err := st.Save(store.KeyClientID, cid); err != nil {
			return Profile{}, err
		}
	}

	var name string
	if !st.Load(store.KeyDisplayName, &name) || strings.TrimSpace(name) == "" {
		name = GenerateName()
		if err := st.Save(store.KeyDisplayName, name); err != nil {
			return Profile{}, err
		}
	}

	return Profile{CID: cid, Name: name}, nil
}

// SetName persists a caller-chosen display name, replacing the generated
// one.
func SetName(st *store.Store, name string) error {
	if st == nil {
		return errMissingStore
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("display name is empty")
	}
	return st.Save(store.KeyDisplayName, name)
}

// GenerateName produces a friendly three-part handle such as
// "Curious Otter 417".
func GenerateName() string {
	adjective := adjectives[randomInt(len(adjectives))]
	creature := creatures[randomInt(len(creatures))]
	return fmt.Sprintf("%s %s %d", adjective, creature, 100+randomInt(900))
}

func randomInt(maxExclusive int) int {
	if maxExclusive <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(maxExclusive)))
	if err != nil {
		return 0
	}
	return int(n.Int64())
}
