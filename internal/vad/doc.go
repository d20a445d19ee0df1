// Package vad provides a per-frame level meter. It measures RMS and peak
// levels in dBFS over fixed windows and reports which parts of a frame rise
// above a voice threshold.
package vad
