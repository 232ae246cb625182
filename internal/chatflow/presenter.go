package chatflow

// Recorder is a Presenter that keeps what it was told, for transports that
// render the outcome after Submit returns.
type Recorder struct {
	Redirect string
	Notices  []string
}

func (r *Recorder) Navigate(path string) { r.Redirect = path }

func (r *Recorder) Notice(msg string) { r.Notices = append(r.Notices, msg) }
