package config

import "strings"

func (c *Config) normalize() {
	c.normalizeServer()
	c.normalizeQueue()
	c.normalizeLock()
	c.Fraud.Sensitivity = strings.ToLower(strings.TrimSpace(c.Fraud.Sensitivity))
	c.Database.URL = strings.TrimSpace(c.Database.URL)
	c.Sweep.LockFile = strings.TrimSpace(c.Sweep.LockFile)
	if c.Sweep.LockFile == "" {
		c.Sweep.LockFile = DefaultSweepLockFile
	}
}

func (c *Config) normalizeServer() {
	c.Server.Port = strings.TrimPrefix(strings.TrimSpace(c.Server.Port), ":")
	if c.Server.Port == "" {
		c.Server.Port = DefaultPort
	}
	c.Server.Token = strings.TrimSpace(c.Server.Token)
}

func (c *Config) normalizeQueue() {
	if c.Queue.Workers < 1 {
		c.Queue.Workers = 1
	}
}

func (c *Config) normalizeLock() {
	c.Lock.Backend = strings.ToLower(strings.TrimSpace(c.Lock.Backend))
	if c.Lock.Backend == "" {
		c.Lock.Backend = LockMemory
	}
	c.Lock.RedisAddr = strings.TrimSpace(c.Lock.RedisAddr)
}
