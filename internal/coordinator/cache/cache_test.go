package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/searchkit/coordinator/pkg/config"
)

func TestNormalizeQueryIsOrderAndCaseInsensitive(t *testing.T) {
	assert.Equal(t, normalizeQuery("Hello World"), normalizeQuery("world HELLO"))
	assert.Equal(t, "hello world", normalizeQuery("  World   hello "))
	assert.NotEqual(t, normalizeQuery("hello"), normalizeQuery("hello world"))
}

func TestBuildKeyDistinguishesWindow(t *testing.T) {
	c := New(nil, config.RedisConfig{})

	k1 := c.buildKey("hello world", 10)
	k2 := c.buildKey("world hello", 10)
	k3 := c.buildKey("hello world", 20)

	assert.Equal(t, k1, k2, "equivalent queries share a key")
	assert.NotEqual(t, k1, k3, "window is part of the key")
	assert.Contains(t, k1, keyPrefix)
}
