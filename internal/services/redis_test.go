package services_test

import (
	"testing"
)

func TestRedisStore(t *testing.T) {
	env := newTestEnv(t)
	testDocumentStore(t, env.store)
}
