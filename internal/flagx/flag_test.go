package flagx

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		allowed []string
		want    []string
	}{
		{
			name:    "separate value kept",
			args:    []string{"-c", "agent.json", "-a", "localhost:8080"},
			allowed: []string{"-c", "-config"},
			want:    []string{"-c", "agent.json"},
		},
		{
			name:    "equals form kept whole",
			args:    []string{"-config=alt.json", "-d", "surveys.db"},
			allowed: []string{"-c", "-config"},
			want:    []string{"-config=alt.json"},
		},
		{
			name:    "order preserved across spellings",
			args:    []string{"-config=first.json", "-c", "second.json", "-x", "1"},
			allowed: []string{"-c", "-config"},
			want:    []string{"-config=first.json", "-c", "second.json"},
		},
		{
			name:    "unknown flags and positionals dropped",
			args:    []string{"-x", "1", "--y=2", "positional"},
			allowed: []string{"-c", "-config"},
			want:    []string{},
		},
		{
			name:    "trailing flag without value",
			args:    []string{"-c"},
			allowed: []string{"-c"},
			want:    []string{"-c"},
		},
		{
			name:    "dash token after flag is not its value",
			args:    []string{"-c", "-d"},
			allowed: []string{"-c"},
			want:    []string{"-c"},
		},
		{
			name:    "several allowed flags",
			args:    []string{"-a", "localhost:8080", "-c", "agent.json", "-z", "x"},
			allowed: []string{"-a", "-c"},
			want:    []string{"-a", "localhost:8080", "-c", "agent.json"},
		},
		{
			name:    "repeated flag kept in order",
			args:    []string{"-c", "one.json", "-c", "two.json"},
			allowed: []string{"-c"},
			want:    []string{"-c", "one.json", "-c", "two.json"},
		},
		{
			name:    "empty input",
			args:    []string{},
			allowed: []string{"-c"},
			want:    []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FilterArgs(tt.args, tt.allowed))
		})
	}
}

func TestJsonConfigFlags(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	t.Run("short flag", func(t *testing.T) {
		os.Args = []string{"agent", "-c", "/etc/agent/short.json"}
		assert.Equal(t, "/etc/agent/short.json", JsonConfigFlags())
	})

	t.Run("long flag", func(t *testing.T) {
		os.Args = []string{"agent", "-config", "/etc/agent/long.json"}
		assert.Equal(t, "/etc/agent/long.json", JsonConfigFlags())
	})

	t.Run("absent", func(t *testing.T) {
		os.Args = []string{"agent", "-x", "1"}
		assert.Empty(t, JsonConfigFlags())
	})

	t.Run("last occurrence wins", func(t *testing.T) {
		os.Args = []string{"agent", "-c", "/tmp/1.json", "-config", "/tmp/2.json"}
		assert.Equal(t, "/tmp/2.json", JsonConfigFlags())
	})
}
