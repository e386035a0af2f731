package auth

import "golang.org/x/crypto/bcrypt"

// DefaultBcryptCost matches the cost used to produce the stored hash in
// config.AdminAPIConfig.AdminPassword (admin_password_hash in config).
const DefaultBcryptCost = 10

// HashPassword bcrypt-hashes password for storage in
// config.AdminAPIConfig.AdminPassword.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), DefaultBcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches hash.
func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
