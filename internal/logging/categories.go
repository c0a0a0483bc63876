package logging

// Convenience wrappers, one set per hot category.

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }
func BootError(format string, args ...interface{}) { Get(CategoryBoot).Error(format, args...) }

func Supervisor(format string, args ...interface{})      { Get(CategorySupervisor).Info(format, args...) }
func SupervisorDebug(format string, args ...interface{}) { Get(CategorySupervisor).Debug(format, args...) }
func SupervisorWarn(format string, args ...interface{})  { Get(CategorySupervisor).Warn(format, args...) }
func SupervisorError(format string, args ...interface{}) { Get(CategorySupervisor).Error(format, args...) }

func Scheduler(format string, args ...interface{})      { Get(CategoryScheduler).Info(format, args...) }
func SchedulerDebug(format string, args ...interface{}) { Get(CategoryScheduler).Debug(format, args...) }

func Executor(format string, args ...interface{})      { Get(CategoryExecutor).Info(format, args...) }
func ExecutorDebug(format string, args ...interface{}) { Get(CategoryExecutor).Debug(format, args...) }
func ExecutorWarn(format string, args ...interface{})  { Get(CategoryExecutor).Warn(format, args...) }

func AdmissionDebug(format string, args ...interface{}) { Get(CategoryAdmission).Debug(format, args...) }

func Storage(format string, args ...interface{})      { Get(CategoryStorage).Info(format, args...) }
func StorageDebug(format string, args ...interface{}) { Get(CategoryStorage).Debug(format, args...) }
func StorageWarn(format string, args ...interface{})  { Get(CategoryStorage).Warn(format, args...) }
func StorageError(format string, args ...interface{}) { Get(CategoryStorage).Error(format, args...) }

func Recovery(format string, args ...interface{})     { Get(CategoryRecovery).Info(format, args...) }
func RecoveryWarn(format string, args ...interface{}) { Get(CategoryRecovery).Warn(format, args...) }

func Config(format string, args ...interface{})     { Get(CategoryConfig).Info(format, args...) }
func ConfigWarn(format string, args ...interface{}) { Get(CategoryConfig).Warn(format, args...) }

func API(format string, args ...interface{})     { Get(CategoryAPI).Info(format, args...) }
func APIWarn(format string, args ...interface{}) { Get(CategoryAPI).Warn(format, args...) }
