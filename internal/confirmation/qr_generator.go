package confirmation

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/skip2/go-qrcode"

	"ms-registration/internal/models"
)

// Payload is what a check-in scanner recovers from a confirmation QR.
type Payload struct {
	RegistrationID string    `json:"registration_id"`
	EventID        string    `json:"event_id"`
	ModalityID     string    `json:"modality_id"`
	AthleteID      string    `json:"athlete_id"`
	Code           string    `json:"code"`
	IssuedAt       time.Time `json:"issued_at"`
}

// QRGenerator renders confirmed registrations as encrypted check-in QR
// codes. Only confirmed registrations are eligible.
type QRGenerator struct {
	secret []byte
}

func NewQRGenerator(secret string) *QRGenerator {
	hashed := sha256.Sum256([]byte(secret)) // normalize to 32 bytes
	return &QRGenerator{secret: hashed[:]}
}

func (q *QRGenerator) GenerateEncryptedQR(reg models.Registration, code string) ([]byte, error) {
	if reg.Status != models.RegistrationStatusConfirmed {
		return nil, errors.New("registration is not confirmed")
	}
	payload := Payload{
		RegistrationID: reg.RegistrationID,
		EventID:        reg.EventID,
		ModalityID:     reg.ModalityID,
		AthleteID:      reg.AthleteID,
		Code:           code,
		IssuedAt:       time.Now().UTC(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	encrypted, err := encryptAES(data, q.secret)
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(encrypted, qrcode.Medium, 256)
}

// Decrypt recovers the payload from scanned QR content.
func (q *QRGenerator) Decrypt(encoded string) (*Payload, error) {
	data, err := decryptAES(encoded, q.secret)
	if err != nil {
		return nil, err
	}
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func encryptAES(data []byte, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	ciphertext := make([]byte, aes.BlockSize+len(data))
	iv := ciphertext[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(ciphertext[aes.BlockSize:], data)

	return base64.URLEncoding.EncodeToString(ciphertext), nil
}

func decryptAES(encoded string, key []byte) ([]byte, error) {
	ciphertext, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aes.BlockSize {
		return nil, errors.New("ciphertext too short")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	iv := ciphertext[:aes.BlockSize]
	data := make([]byte, len(ciphertext)-aes.BlockSize)
	stream := cipher.NewCFBDecrypter(block, iv)
	stream.XORKeyStream(data, ciphertext[aes.BlockSize:])
	return data, nil
}
