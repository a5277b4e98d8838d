package cache

import (
	"testing"
	"time"

	"player-values/internal/model"
)

func TestKeyForSeparatesEpochsAndProfiles(t *testing.T) {
	c := New(nil, "", 0)
	if c.ttl != 10*time.Minute || c.prefix != "playervalues:" {
		t.Fatalf("默认配置不正确: %q %v", c.prefix, c.ttl)
	}

	key := model.ValueKey{PlayerID: "4046", Format: model.FormatDynastySF}
	if got := c.keyFor(3, key); got != "playervalues:value:3:dynasty_sf:4046:default" {
		t.Fatalf("缓存 key 不正确: %s", got)
	}
	if c.keyFor(3, key) == c.keyFor(4, key) {
		t.Fatal("不同 epoch 的 key 必须不同")
	}
	key.LeagueProfileID = "lg1"
	if got := c.keyFor(3, key); got != "playervalues:value:3:dynasty_sf:4046:lg1" {
		t.Fatalf("联盟 profile 的 key 不正确: %s", got)
	}
}
