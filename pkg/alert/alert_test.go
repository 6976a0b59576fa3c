package alert_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gswatch/gswatch/pkg/alert"
)

func Test_Notify_Delivers(t *testing.T) {
	received := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		received <- payload.Text
	}))
	defer srv.Close()

	sink := alert.NewSink(srv.URL)
	sink.Notify(context.Background(), "server crashed")

	assert.Equal(t, "server crashed", <-received)
}

func Test_Notify_EndpointDownIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	sink := alert.NewSink(srv.URL)

	assert.NotPanics(t, func() {
		sink.Notify(context.Background(), "server crashed")
	})
}

func Test_Notify_ErrorStatusIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := alert.NewSink(srv.URL)

	assert.NotPanics(t, func() {
		sink.Notify(context.Background(), "server crashed")
	})
}

func Test_Notify_NoEndpointConfigured(t *testing.T) {
	sink := alert.NewSink("")

	assert.NotPanics(t, func() {
		sink.Notify(context.Background(), "server crashed")
	})
}
