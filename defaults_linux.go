package daemonize

const fdDir = "/proc/self/fd"
