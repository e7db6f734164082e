//go:build !linux

package socket

func applyListenerPlatform(fd int, o Options) error { return nil }

func applyConnPlatform(fd int, o Options) error { return nil }
