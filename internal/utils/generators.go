package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// GenerateConfirmationCode builds the short human-readable code printed on
// a registration confirmation (e.g. for packet pickup).
func GenerateConfirmationCode() string {
	timestamp := time.Now().Unix()
	randomNum, _ := rand.Int(rand.Reader, big.NewInt(999999))
	return fmt.Sprintf("reg_%d_%06d", timestamp, randomNum.Int64())
}
