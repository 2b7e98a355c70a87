package main

import (
	"encoding/json"
	"html/template"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	ldclient "github.com/launchdarkly/ios-client-sdk-sub001"
	"github.com/launchdarkly/ios-client-sdk-sub001/lduser"
)

var home = template.Must(template.New("home").Parse(`<!doctype html>
<html><body>
<p>User: {{.User}} ({{.Mode}})</p>
{{if .ShowButton}}<button style="background: {{.ButtonColour}}">Secret</button>{{end}}
</body></html>`))

type TemplateData struct {
	User         string
	Mode         string
	ShowButton   bool
	ButtonColour string
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := ldclient.LoadEnvConfig()
	if err != nil {
		log.Fatal(err)
	}
	client, err := ldclient.New(cfg.MobileKey, lduser.New("anonymous"),
		append(cfg.Options(), ldclient.WithLogger(logger))...)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if key := r.URL.Query().Get("user"); key != "" && key != client.User().Key {
			done := make(chan struct{})
			client.Identify(lduser.New(key), func(ldclient.IdentifyOutcome, error) { close(done) })
			select {
			case <-done:
			case <-time.After(5 * time.Second):
			}
		}

		var button map[string]string
		_ = json.Unmarshal(client.JSONVariation("secret_button", json.RawMessage(`{}`)), &button)

		data := TemplateData{
			User:         client.User().Key,
			Mode:         string(client.ConnectionInformation().CurrentConnectionMode),
			ShowButton:   client.BoolVariation("show_secret_button", false),
			ButtonColour: button["colour"],
		}
		if err := home.Execute(w, data); err != nil {
			logger.Error("render", "error", err)
		}
	})

	logger.Info("starting server", slog.String("addr", ":5000"))
	if err := http.ListenAndServe(":5000", nil); err != nil {
		log.Fatal(err)
	}
}
