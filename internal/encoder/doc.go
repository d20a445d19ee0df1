/*
Package encoder turns each captured frame into one artifact on disk.

Every frame gets its own Session, which feeds the frame bytes into an
asynchronous Codec slot by slot and writes the packets it produces into a
Muxer. Artifacts are written under a ".part" name and renamed once the codec
signals end of stream, so readers only ever see complete files.

Pipeline owns the sessions. It is registered as a frame consumer on the
fan-out bus and hands finalized artifacts to its subscribers.

Containers and codecs:

	wav + pcm   raw PCM16 passthrough
	ogg + opus  libopus packets, see the opus subpackage
*/
package encoder
