// LegacyVault Gateway Receiver Example
//
// A minimal SMS, voice or push gateway that accepts and verifies the signed
// delivery requests LegacyVault posts for check-ins and disclosure notices.
//
// Usage:
//   export LEGACYVAULT_GATEWAY_SECRET="your_shared_secret"
//   go run main.go
//
// Then point SMS_GATEWAY_URL (or VOICE_/PUSH_GATEWAY_URL) at
// http://your-server:9000/deliver and set GATEWAY_SECRET to the same value.

package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Delivery is the JSON body LegacyVault posts to a gateway.
type Delivery struct {
	DeliveryID string `json:"delivery_id"`
	Channel    string `json:"channel"`
	To         string `json:"to"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	Template   string `json:"template"`
}

func main() {
	secret := os.Getenv("LEGACYVAULT_GATEWAY_SECRET")
	if secret == "" {
		log.Fatal("LEGACYVAULT_GATEWAY_SECRET environment variable is required")
	}

	http.HandleFunc("/deliver", deliverHandler(secret))
	http.HandleFunc("/health", healthHandler)

	log.Println("Starting gateway receiver on :9000")
	log.Println("Endpoint: http://localhost:9000/deliver")
	log.Fatal(http.ListenAndServe(":9000", nil))
}

func deliverHandler(secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		if err != nil {
			log.Printf("Error reading body: %v", err)
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		signature := r.Header.Get("X-LegacyVault-Signature")
		timestamp := r.Header.Get("X-LegacyVault-Timestamp")
		if signature == "" || timestamp == "" {
			log.Println("Missing signature headers")
			http.Error(w, "Missing signature", http.StatusUnauthorized)
			return
		}

		if !verifySignature(signature, timestamp, body, secret) {
			log.Println("Invalid signature")
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			return
		}

		var d Delivery
		if err := json.Unmarshal(body, &d); err != nil {
			log.Printf("Error parsing JSON: %v", err)
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		// A real gateway hands the message to its provider here. Retries
		// reuse the delivery id, so it doubles as an idempotency key.
		log.Printf("Received %s delivery %s", d.Channel, d.DeliveryID)
		log.Printf("  To:       %s", d.To)
		log.Printf("  Template: %s", d.Template)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": "provider-" + d.DeliveryID})
	}
}

// verifySignature checks the HMAC-SHA256 of "{timestamp}.{body}" and rejects
// timestamps more than five minutes off.
func verifySignature(signature, timestamp string, body []byte, secret string) bool {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if math.Abs(float64(time.Now().Unix()-ts)) > 300 {
		log.Println("Signature timestamp too old or in future")
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
