// Package spworlds provides a client for the SPWorlds public bank API.
//
// # Authentication
//
// Every request carries the card credentials as
//
//	Authorization: Bearer base64(<card id>:<card token>)
//
// The value is computed once when the client is created.
//
// # Basic Usage
//
//	client := spworlds.NewClient(spworlds.ClientConfig{
//	    ID:      "card-id",
//	    Token:   "card-token",
//	    Timeout: 5 * time.Second,
//	})
//
//	info, err := client.GetCardInfo(ctx)
//
//	payment, err := client.InitPayment(ctx, &spworlds.PaymentRequest{
//	    Items:       []spworlds.PaymentItem{{Name: "Diamond", Count: 1, Price: 16}},
//	    RedirectURL: "https://shop.example/done",
//	    WebhookURL:  "https://shop.example/webhooks/spworlds",
//	})
//
// The API is served from DefaultEndpoint. Set ClientConfig.Mirror to use
// MirrorEndpoint, or ClientConfig.Endpoint to point somewhere else; an
// explicit Endpoint always wins.
//
// # Error Handling
//
// Responses with status 200, 201 and 404 are decoded as results, since the
// API reports some lookups as 404 with a body. Other failures are typed:
//
//	_, err := client.GetCardInfo(ctx)
//	var apiErr *spworlds.APIError
//	var timeoutErr *spworlds.TimeoutError
//	switch {
//	case errors.As(err, &apiErr):
//	    // unexpected status, apiErr.StatusCode
//	case errors.As(err, &timeoutErr):
//	    // ClientConfig.Timeout elapsed
//	}
//
// InitPayment returns *ValidationError without sending anything when an
// item or the data field is out of bounds. Network failures are returned
// unchanged. Nothing is retried.
//
// # Webhooks
//
// Deliveries are signed with base64(HMAC-SHA256(card token, body)) in the
// X-Body-Hash header. Verify the raw body before trusting it:
//
//	if !client.ValidateWebhook(body, r.Header.Get(spworlds.HeaderBodyHash)) {
//	    // reject
//	}
//
// or wrap a handler with Client.WebhookMiddleware.
package spworlds
