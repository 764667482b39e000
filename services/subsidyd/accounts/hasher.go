package accounts

import "golang.org/x/crypto/bcrypt"

// DefaultCost matches the salt rounds portal accounts have always been hashed with.
const DefaultCost = 10

// Hasher hashes and verifies account passwords with bcrypt.
type Hasher struct {
	Cost int
}

// Hash returns the bcrypt hash of password.
func (h Hasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Matches reports whether password matches hash. Malformed hashes never match.
func (h Hasher) Matches(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
