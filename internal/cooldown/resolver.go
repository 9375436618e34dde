package cooldown

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/width"

	logx "tgsigner/pkg/logx"
)

// Resolver turns game status text such as "请在 12小时30分钟 后再来" into a
// wait duration. It holds only configuration and is safe for concurrent use.
type Resolver struct {
	table     Table
	threshold time.Duration
	log       logx.Logger
}

type Option func(*Resolver)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.threshold = d
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(r *Resolver) { r.log = log }
}

func NewResolver(table Table, opts ...Option) *Resolver {
	if table.Defaults == nil {
		table = DefaultTable()
	}
	r := &Resolver{table: table, threshold: DefaultThreshold, log: logx.Nop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve sums every "<digits><unit>" expression in text. Units are 小时/时,
// 分钟/分 and 秒; all matches count, including disjoint ones. A digit run
// above 1,000,000 is skipped together with its unit. It reports false when
// nothing matched.
//
// With a hint naming a command whose default cooldown exceeds an hour, sums
// below the threshold are treated as a mis-parse and reported as unresolved.
func (r *Resolver) Resolve(text, hint string) (time.Duration, bool) {
	total, found := sumDurations(normalize(text))
	if !found {
		return 0, false
	}
	if hint != "" && total < r.threshold {
		if def, _ := r.table.Lookup(hint); def > longCooldown {
			r.log.Debug("cooldown below threshold; ignoring",
				logx.String("command", hint),
				logx.Duration("parsed", total),
				logx.Duration("default", def),
			)
			return 0, false
		}
	}
	return total, true
}

// ResolveWithFallback never fails: unresolved text yields the command's
// default cooldown, or the table fallback for unknown commands.
func (r *Resolver) ResolveWithFallback(text, command string) time.Duration {
	if d, ok := r.Resolve(text, command); ok {
		return d
	}
	d, _ := r.table.Lookup(command)
	return d
}

// Default returns the configured cooldown for command.
func (r *Resolver) Default(command string) time.Duration {
	d, _ := r.table.Lookup(command)
	return d
}

// normalize folds full-width digits and spaces to ASCII and collapses runs
// of whitespace to one space.
func normalize(text string) string {
	text = width.Narrow.String(text)
	return strings.Join(strings.FieldsFunc(text, isSpace), " ")
}

func isSpace(r rune) bool { return unicode.IsSpace(r) || r == '　' }

// Units are tried longest first so "分钟" is not read as "分".
var units = []struct {
	name string
	dur  time.Duration
}{
	{"小时", time.Hour},
	{"时", time.Hour},
	{"分钟", time.Minute},
	{"分", time.Minute},
	{"秒", time.Second},
}

// maxAmount bounds a single token so absurd digit runs cannot overflow.
const maxAmount = 1_000_000

func sumDurations(s string) (time.Duration, bool) {
	var (
		total time.Duration
		found bool
	)
	for i := 0; i < len(s); {
		if !isDigit(s[i]) {
			i++
			continue
		}
		start := i
		for i < len(s) && isDigit(s[i]) {
			i++
		}
		amount, ok := parseAmount(s[start:i])
		j := i
		for j < len(s) && s[j] == ' ' {
			j++
		}
		for _, u := range units {
			if strings.HasPrefix(s[j:], u.name) {
				if ok {
					total += time.Duration(amount) * u.dur
					found = true
				}
				i = j + len(u.name)
				break
			}
		}
	}
	return total, found
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func parseAmount(digits string) (int64, bool) {
	var n int64
	for i := 0; i < len(digits); i++ {
		n = n*10 + int64(digits[i]-'0')
		if n > maxAmount {
			return 0, false
		}
	}
	return n, true
}
