package bus

import (
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Credentials are the kernel-reported credentials of a peer process.
type Credentials struct {
	UID uint32
	GID uint32
	PID int32
}

// Identity describes a caller for logs.
type Identity struct {
	Service string
	UID     uint32
	PID     int32
	User    string
	Process string
}

// identityCache resolves uids to user names. Entries expire so renamed or
// recreated accounts are picked up.
type identityCache struct {
	users *ttlcache.Cache[uint32, string]
}

func newIdentityCache(ttl time.Duration) *identityCache {
	loader := ttlcache.LoaderFunc[uint32, string](
		func(c *ttlcache.Cache[uint32, string], uid uint32) *ttlcache.Item[uint32, string] {
			return c.Set(uid, lookupUserName(uid), ttlcache.DefaultTTL)
		})
	return &identityCache{
		users: ttlcache.New(
			ttlcache.WithTTL[uint32, string](ttl),
			ttlcache.WithLoader[uint32, string](loader),
		),
	}
}

func (c *identityCache) start() {
	go c.users.Start()
}

func (c *identityCache) stop() {
	c.users.Stop()
}

func (c *identityCache) userName(uid uint32) string {
	if item := c.users.Get(uid); item != nil {
		return item.Value()
	}
	return strconv.FormatUint(uint64(uid), 10)
}

func (c *identityCache) describe(caller Caller) Identity {
	return Identity{
		Service: caller.Service,
		UID:     caller.UID,
		PID:     caller.PID,
		User:    c.userName(caller.UID),
		Process: processName(caller.PID),
	}
}

func lookupUserName(uid uint32) string {
	id := strconv.FormatUint(uint64(uid), 10)
	u, err := user.LookupId(id)
	if err != nil {
		return id
	}
	return u.Username
}

// processName reads the command name of pid from procfs.
func processName(pid int32) string {
	if pid <= 0 {
		return ""
	}
	data, err := os.ReadFile("/proc/" + strconv.FormatInt(int64(pid), 10) + "/comm")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
