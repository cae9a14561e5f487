package notify

import (
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

type ChimeState int

const (
	ChimeUninitialized ChimeState = iota
	ChimeReady
)

// Chime is the waiting-room sound. It stays silent until Init is called from
// a user action.
type Chime struct {
	mu    sync.Mutex
	out   io.Writer
	state ChimeState
	plays int
}

func NewChime(out io.Writer) *Chime {
	return &Chime{out: out}
}

// Init arms the chime. Calling it again has no effect.
func (c *Chime) Init() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ChimeReady {
		return
	}
	c.state = ChimeReady
	log.Debug().Str("module", "chime").Msg("chime ready")
}

func (c *Chime) State() ChimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Play rings the terminal bell. It reports whether anything was played.
func (c *Chime) Play() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ChimeReady {
		return false
	}
	c.plays++
	if c.out != nil {
		if _, err := c.out.Write([]byte{'\a'}); err != nil {
			log.Debug().Err(err).Str("module", "chime").Msg("chime write failed")
		}
	}
	return true
}

func (c *Chime) Plays() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plays
}
