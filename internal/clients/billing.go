package clients

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Bill is the completed-job summary handed to the payment service.
type Bill struct {
	AlertID      string          `json:"alertId"`
	DriverID     string          `json:"driverId"`
	MechanicID   string          `json:"mechanicId"`
	CallDuration float64         `json:"callDuration"`
	Amount       decimal.Decimal `json:"amount"`
}

// billRequest sends the amount as a JSON number.
type billRequest struct {
	AlertID      string      `json:"alertId"`
	DriverID     string      `json:"driverId"`
	MechanicID   string      `json:"mechanicId"`
	CallDuration float64     `json:"callDuration"`
	Amount       json.Number `json:"amount"`
}

// HTTPBillingEmitter submits bills to the payment service. Emission is
// idempotent per alert: the alert id is the idempotency key and an
// "already exists" answer counts as success.
type HTTPBillingEmitter struct {
	api jsonClient
}

func NewHTTPBillingEmitter(baseURL string, timeout time.Duration) *HTTPBillingEmitter {
	return &HTTPBillingEmitter{api: newJSONClient("payment-service", baseURL, timeout)}
}

func (b *HTTPBillingEmitter) Emit(ctx context.Context, bill Bill) (string, error) {
	header := http.Header{}
	header.Set("Idempotency-Key", bill.AlertID)

	body, _, err := b.api.do(ctx, http.MethodPost, "/api/payments/bills", header, billRequest{
		AlertID:      bill.AlertID,
		DriverID:     bill.DriverID,
		MechanicID:   bill.MechanicID,
		CallDuration: bill.CallDuration,
		Amount:       json.Number(bill.Amount.StringFixed(2)),
	})
	if err != nil {
		if isDuplicateBill(err) {
			return billRef(body, bill.AlertID), nil
		}
		return "", err
	}
	return billRef(body, bill.AlertID), nil
}

func isDuplicateBill(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	if se.StatusCode == http.StatusConflict {
		return true
	}
	return se.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(se.Body), "already exists")
}

// billRef extracts the bill id, falling back to a reference derived from the alert.
func billRef(body []byte, alertID string) string {
	var bill struct {
		ID     string `json:"_id"`
		BillID string `json:"billId"`
		Bill   *struct {
			ID string `json:"_id"`
		} `json:"bill"`
	}
	if len(body) > 0 && json.Unmarshal(unwrapData(body), &bill) == nil {
		switch {
		case bill.BillID != "":
			return bill.BillID
		case bill.ID != "":
			return bill.ID
		case bill.Bill != nil && bill.Bill.ID != "":
			return bill.Bill.ID
		}
	}
	return "alert:" + alertID
}
