package payment

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/Moonlitwhisper254/datakibanda/gateway"
)

// ReferenceGenerator builds reference codes of the form <prefix><YYYYMMDDHHmmss><0-999>.
type ReferenceGenerator struct {
	prefix string
	now    func() time.Time
	intn   func(n int) int
}

func NewReferenceGenerator(prefix string, now func() time.Time) *ReferenceGenerator {
	if now == nil {
		now = time.Now
	}
	return &ReferenceGenerator{prefix: prefix, now: now, intn: rand.Intn}
}

func (g *ReferenceGenerator) Next() string {
	return fmt.Sprintf("%s%s%d", g.prefix, gateway.Timestamp(g.now()), g.intn(1000))
}
