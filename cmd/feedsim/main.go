// Command feedsim serves a synthetic sensor feed over websocket for
// local development and load testing. Point the server at it with
// TINYPIPE_FEED_URL=ws://localhost:9090/feed.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type simulator struct {
	interval time.Duration
	noisy    bool
}

// next produces a plausible sensor value: a slow daily swing with
// jitter on top.
func (s *simulator) next(t time.Time) float64 {
	dayFraction := float64(t.Hour()*3600+t.Minute()*60+t.Second()) / 86400
	base := 20 + 8*math.Sin(2*math.Pi*dayFraction)
	return base + rand.NormFloat64()*0.5
}

func (s *simulator) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	log.Printf("Client connected: %s", r.RemoteAddr)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for t := range ticker.C {
		var payload string
		switch {
		case s.noisy && rand.Intn(100) == 0:
			// Occasional garbage to exercise validation.
			payload = `{"value": "not-a-number"}`
		case s.noisy && rand.Intn(100) == 0:
			payload = fmt.Sprintf(`{"value": %.2f}`, 9999.0)
		default:
			payload = fmt.Sprintf(`{"value": %.2f}`, s.next(t))
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			log.Printf("Client gone: %v", err)
			return
		}
	}
}

func main() {
	addr := flag.String("addr", ":9090", "listen address")
	interval := flag.Duration("interval", 2*time.Second, "time between readings")
	noisy := flag.Bool("noisy", false, "emit occasional malformed and out-of-range readings")
	flag.Parse()

	sim := &simulator{interval: *interval, noisy: *noisy}
	http.HandleFunc("/feed", sim.serve)

	log.Printf("Feed simulator on ws://localhost%s/feed (every %v, noisy=%v)", *addr, *interval, *noisy)
	if err := http.ListenAndServe(*addr, nil); err != nil {
		log.Fatalf("Listen failed: %v", err)
	}
}
