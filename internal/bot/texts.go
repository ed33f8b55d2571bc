package bot

import (
	"errors"
	"fmt"

	"castbot/internal/broadcast"
)

const (
	textBusy          = "⏳ Broadcast sedang berjalan. Tunggu sampai selesai."
	textExpired       = "Sesi sudah berakhir."
	textNoRecipients  = "Tidak ada penerima untuk audiens ini. Broadcast tidak dimulai."
	textResolveFailed = "Gagal mengambil daftar penerima. Broadcast tidak dimulai."
	textPreviewFailed = "Preview gagal dikirim. Periksa teks atau lampiran."

	textRecipientsLost = "⚠️ Gagal mengambil daftar penerima. Tidak ada pesan terkirim dan draft dibatalkan. Mulai lagi dengan /broadcast."
)

var promptTexts = map[broadcast.Prompt]string{
	broadcast.PromptAskText:          "📝 Kirim teks pesan broadcast.",
	broadcast.PromptTextRequired:     "Teks tidak boleh kosong atau berupa perintah. Kirim teks pesan broadcast.",
	broadcast.PromptAskMedia:         "🖼 Kirim foto, video, atau GIF untuk dilampirkan, atau ketik skip.",
	broadcast.PromptMediaInvalid:     "Lampiran tidak dikenali. Kirim foto, video, atau GIF, atau ketik skip.",
	broadcast.PromptAskAddButton:     "Tambah tombol link?",
	broadcast.PromptAskButtonText:    "Kirim teks untuk tombol.",
	broadcast.PromptAskButtonURL:     "Kirim URL tombol (diawali http:// atau https://).",
	broadcast.PromptURLInvalid:       "URL tidak valid. Harus diawali http:// atau https://. Kirim ulang URL tombol.",
	broadcast.PromptAskAnotherButton: "Tombol ditambahkan. Tambah tombol lagi?",
	broadcast.PromptPreview:          "Preview di atas. Lanjutkan?",
	broadcast.PromptDispatching:      "🚀 Mengirim broadcast...",
	broadcast.PromptRestarted:        "🔁 Draft dihapus. Kirim teks pesan broadcast.",
	broadcast.PromptCancelled:        "❌ Broadcast dibatalkan.",
}

func promptText(p broadcast.Prompt) string { return promptTexts[p] }

func reportText(res broadcast.Result, err error) string {
	if errors.Is(err, broadcast.ErrRecipientsUnavailable) {
		return textRecipientsLost
	}
	if err != nil {
		return fmt.Sprintf("⚠️ Broadcast tidak selesai. Terkirim: %d, Gagal: %d", res.Sent, res.Failed)
	}
	return fmt.Sprintf("✅ Selesai. Terkirim: %d, Gagal: %d", res.Sent, res.Failed)
}
