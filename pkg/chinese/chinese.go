package chinese

import (
	"sync"

	"github.com/longbridgeapp/opencc"

	logx "github.com/hr-leavebot/server/pkg/logger"
)

var (
	s2tOnce sync.Once
	s2t     *opencc.OpenCC
)

// ToTraditional converts Simplified-Chinese characters in s to Traditional
// Chinese. Conversion is deterministic; on converter failure the input is
// returned unchanged so an answer is never dropped over script normalization.
func ToTraditional(s string) string {
	s2tOnce.Do(func() {
		cc, err := opencc.New("s2t")
		if err != nil {
			logx.Error().Err(err).Msg("Failed to initialise s2t converter")
			return
		}
		s2t = cc
	})
	if s2t == nil {
		return s
	}
	out, err := s2t.Convert(s)
	if err != nil {
		logx.Warn().Err(err).Msg("s2t conversion failed, returning original text")
		return s
	}
	return out
}
