package handler_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jun/drivesync/internal/handler"
)

func TestHeader_CaseInsensitive(t *testing.T) {
	req := events.APIGatewayProxyRequest{
		Headers: map[string]string{"x-origin-verify": "s3cret"},
	}
	if got := handler.Header(req, "X-Origin-Verify"); got != "s3cret" {
		t.Errorf("Expected s3cret, got %q", got)
	}
	if got := handler.Header(req, "Authorization"); got != "" {
		t.Errorf("Expected empty, got %q", got)
	}
}

func TestHTTP(t *testing.T) {
	var seen events.APIGatewayProxyRequest
	fn := func(_ context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		seen = req
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusAccepted,
			Headers:    map[string]string{"Content-Type": "text/plain"},
			Body:       "queued",
		}, nil
	}

	srv := httptest.NewServer(handler.HTTP(fn))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/sync/run?since=2024-01-01T00:00:00Z", "text/plain", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusAccepted || string(body) != "queued" {
		t.Errorf("unexpected response %d %q", resp.StatusCode, body)
	}
	if seen.HTTPMethod != http.MethodPost || seen.Path != "/sync/run" {
		t.Errorf("unexpected request %s %s", seen.HTTPMethod, seen.Path)
	}
	if seen.QueryStringParameters["since"] != "2024-01-01T00:00:00Z" {
		t.Errorf("query not forwarded: %v", seen.QueryStringParameters)
	}
}
