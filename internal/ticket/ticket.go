package ticket

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"parking-ledger/internal/fare"
)

const qrSize = 256

// Ticket is handed to the driver after a confirmed booking. The QR code only
// carries identifiers; the journal is the source of truth when it is scanned.
type Ticket struct {
	Code      string    `json:"code"`
	OpID      string    `json:"opId"`
	SlotID    string    `json:"slotId"`
	Payload   string    `json:"payload"`
	QRDataURI string    `json:"qrDataUri"`
	IssuedAt  time.Time `json:"issuedAt"`
}

func Issue(opID, slotID string, quote *fare.Quote) (Ticket, error) {
	code := "PK-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])

	payload := fmt.Sprintf("%s|%s|%s", code, slotID, opID)
	if quote != nil {
		payload = fmt.Sprintf("%s|%s|%.2f", payload, quote.Vehicle, quote.Total)
	}

	png, err := qrcode.Encode(payload, qrcode.Medium, qrSize)
	if err != nil {
		return Ticket{}, fmt.Errorf("failed to generate QR code: %w", err)
	}

	return Ticket{
		Code:      code,
		OpID:      opID,
		SlotID:    slotID,
		Payload:   payload,
		QRDataURI: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		IssuedAt:  time.Now().UTC(),
	}, nil
}
