package ingest_test

import (
	"testing"

	"github.com/MrWong99/turnplay/internal/ingest"
	"github.com/MrWong99/turnplay/pkg/audio"
)

func TestMessage_Chunk(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		msg     ingest.Message
		want    audio.Chunk
		wantErr string
	}{
		{
			name: "full chunk",
			msg:  ingest.Message{Type: ingest.TypeChunk, TurnID: "t1", AudioData: "AAAA", IsFirst: true, Encoding: "pcm_s16le"},
			want: audio.Chunk{TurnID: "t1", AudioData: "AAAA", IsFirst: true, Encoding: audio.EncodingPCM16},
		},
		{
			name: "empty encoding passes through",
			msg:  ingest.Message{Type: ingest.TypeChunk, TurnID: "t1", IsFinal: true},
			want: audio.Chunk{TurnID: "t1", IsFinal: true},
		},
		{name: "missing turn", msg: ingest.Message{Type: ingest.TypeChunk}, wantErr: "chunk without turn_id"},
		{name: "bad encoding", msg: ingest.Message{Type: ingest.TypeChunk, TurnID: "t1", Encoding: "mp3"}, wantErr: `unsupported encoding "mp3"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tt.msg.Chunk()
			if tt.wantErr != "" {
				if err == nil || err.Error() != tt.wantErr {
					t.Fatalf("Chunk() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Chunk() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Chunk() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
